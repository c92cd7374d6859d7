package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tgif-kitchen/api/internal/notifications"
	"github.com/tgif-kitchen/api/internal/platform/auth"
	"github.com/tgif-kitchen/api/internal/platform/httpx"
)

// EventStreamHandlers serves the live order event stream consumed by the
// operator dashboard.
type EventStreamHandlers struct {
	authn        *auth.Authenticator
	hub          *notifications.Hub
	writeTimeout time.Duration
}

// EventStreamOption customises EventStreamHandlers behaviour.
type EventStreamOption func(*EventStreamHandlers)

// WithStreamWriteTimeout bounds how long a single frame write may block on a
// slow client before the connection is dropped.
func WithStreamWriteTimeout(timeout time.Duration) EventStreamOption {
	return func(h *EventStreamHandlers) {
		if timeout > 0 {
			h.writeTimeout = timeout
		}
	}
}

// NewEventStreamHandlers constructs a new EventStreamHandlers instance.
func NewEventStreamHandlers(authn *auth.Authenticator, hub *notifications.Hub, opts ...EventStreamOption) *EventStreamHandlers {
	h := &EventStreamHandlers{
		authn: authn,
		hub:   hub,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /events endpoints.
func (h *EventStreamHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireOperator(auth.RoleOperator, auth.RoleAdmin))
	}
	r.Get("/orders", h.streamOrders)
}

func (h *EventStreamHandlers) streamOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.hub == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "event stream unavailable", http.StatusServiceUnavailable))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("streaming_unsupported", "response writer does not support streaming", http.StatusInternalServerError))
		return
	}

	operatorID := "anonymous"
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		operatorID = identity.UID
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	stream := newSSEStream(w, flusher, h.writeTimeout)
	if _, err := h.hub.AddConnection(ctx, operatorID, stream); err != nil {
		if errors.Is(err, notifications.ErrHubClosed) {
			httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "event stream shutting down", http.StatusServiceUnavailable))
		}
		return
	}
	defer h.hub.RemoveConnection(operatorID, stream)

	select {
	case <-ctx.Done():
	case <-stream.done():
	}
}

// sseStream adapts an HTTP response into a notifications.Stream. Writes are
// serialised so the hub's fan-out goroutines never interleave frames.
type sseStream struct {
	w            http.ResponseWriter
	flusher      http.Flusher
	ctrl         *http.ResponseController
	writeTimeout time.Duration

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func newSSEStream(w http.ResponseWriter, flusher http.Flusher, writeTimeout time.Duration) *sseStream {
	return &sseStream{
		w:            w,
		flusher:      flusher,
		ctrl:         http.NewResponseController(w),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Send writes a single frame and flushes it to the client.
func (s *sseStream) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return errors.New("stream closed")
	default:
	}

	if s.writeTimeout > 0 {
		// Best effort; not every writer supports deadlines.
		_ = s.ctrl.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	if s.writeTimeout > 0 {
		_ = s.ctrl.SetWriteDeadline(time.Time{})
	}
	return nil
}

// Close marks the stream finished and unblocks the serving handler.
func (s *sseStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
	})
	return nil
}

func (s *sseStream) done() <-chan struct{} {
	return s.closed
}
