package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrHubClosed is returned when a connection is offered to a hub that has
// already shut down.
var ErrHubClosed = errors.New("notifications: hub closed")

const defaultPingInterval = 25 * time.Second

// sendQueueSize bounds the per-connection backlog of undelivered frames. A
// connection that falls this far behind is dropped as a slow consumer.
const sendQueueSize = 64

// Stream is the transport-side handle for one subscriber connection. Send
// delivers a single encoded frame; Close tears the connection down.
type Stream interface {
	Send(frame []byte) error
	Close() error
}

// PendingCountSource reports how many orders are waiting for operator action.
// The hub uses it to seed every new connection with a backlog snapshot.
type PendingCountSource interface {
	PendingOrderCount(ctx context.Context) (int64, error)
}

// HubDeps wires the hub's collaborators.
type HubDeps struct {
	Pending      PendingCountSource
	PingInterval time.Duration
	Logger       func(ctx context.Context, event string, fields map[string]any)
	Clock        func() time.Time
}

type outboundFrame struct {
	frame     []byte
	eventType string
}

type connection struct {
	id         string
	operatorID string
	stream     Stream
	out        chan outboundFrame
	stop       chan struct{}
	once       sync.Once
}

func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.stop)
		_ = c.stream.Close()
	})
}

// Hub fans order events out to every registered operator stream. Streams are
// registered per operator so a single operator can watch from several
// devices at once.
type Hub struct {
	pending      PendingCountSource
	pingInterval time.Duration
	logger       func(ctx context.Context, event string, fields map[string]any)
	clock        func() time.Time

	mu     sync.RWMutex
	conns  map[string]map[Stream]*connection
	closed bool
	wg     sync.WaitGroup
}

// NewHub constructs a hub ready to accept connections.
func NewHub(deps HubDeps) (*Hub, error) {
	if deps.Pending == nil {
		return nil, fmt.Errorf("notifications: pending count source is required")
	}

	pingInterval := deps.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Hub{
		pending:      deps.Pending,
		pingInterval: pingInterval,
		logger:       logger,
		clock:        clock,
		conns:        make(map[string]map[Stream]*connection),
	}, nil
}

// AddConnection registers a stream for the operator, sends the connection
// handshake plus a pending-count snapshot, and starts the connection's writer
// goroutine. The returned id identifies the connection in log output.
func (h *Hub) AddConnection(ctx context.Context, operatorID string, stream Stream) (string, error) {
	if operatorID == "" {
		return "", fmt.Errorf("notifications: operator id is required")
	}
	if stream == nil {
		return "", fmt.Errorf("notifications: stream is required")
	}

	conn := &connection{
		id:         ulid.Make().String(),
		operatorID: operatorID,
		stream:     stream,
		out:        make(chan outboundFrame, sendQueueSize),
		stop:       make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHubClosed
	}
	set, ok := h.conns[operatorID]
	if !ok {
		set = make(map[Stream]*connection)
		h.conns[operatorID] = set
	}
	set[stream] = conn
	h.mu.Unlock()

	if err := h.sendEvent(conn, NewConnectedEvent("connected to order event stream")); err != nil {
		h.RemoveConnection(operatorID, stream)
		return "", fmt.Errorf("notifications: handshake: %w", err)
	}

	if count, err := h.pending.PendingOrderCount(ctx); err != nil {
		h.logger(ctx, "notifications.pending_snapshot_failed", map[string]any{
			"connectionId": conn.id,
			"operatorId":   operatorID,
			"error":        err.Error(),
		})
	} else if err := h.sendEvent(conn, NewPendingCountEvent(count, h.clock())); err != nil {
		h.RemoveConnection(operatorID, stream)
		return "", fmt.Errorf("notifications: pending snapshot: %w", err)
	}

	h.wg.Add(1)
	go h.writeLoop(conn)

	h.logger(ctx, "notifications.connection_added", map[string]any{
		"connectionId": conn.id,
		"operatorId":   operatorID,
	})

	return conn.id, nil
}

// RemoveConnection unregisters a stream and tears it down. Removing a stream
// that was never registered (or was already removed) is a no-op.
func (h *Hub) RemoveConnection(operatorID string, stream Stream) {
	h.mu.Lock()
	set, ok := h.conns[operatorID]
	if !ok {
		h.mu.Unlock()
		return
	}
	conn, ok := set[stream]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(set, stream)
	if len(set) == 0 {
		delete(h.conns, operatorID)
	}
	h.mu.Unlock()

	conn.shutdown()

	h.logger(context.Background(), "notifications.connection_removed", map[string]any{
		"connectionId": conn.id,
		"operatorId":   operatorID,
	})
}

// Broadcast fans the event out to every registered stream. Each connection
// has a single writer draining a queue, so consecutive broadcasts reach a
// stream in the order they were made. Delivery is best effort: a stream whose
// write fails, or whose queue is full, is torn down and removed without
// affecting the others.
func (h *Hub) Broadcast(ctx context.Context, event Event) {
	frame, err := EncodeFrame(event)
	if err != nil {
		h.logger(ctx, "notifications.broadcast_encode_failed", map[string]any{
			"error": err.Error(),
		})
		return
	}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for _, set := range h.conns {
		for _, conn := range set {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	out := outboundFrame{frame: frame, eventType: event.EventType()}
	for _, conn := range targets {
		select {
		case conn.out <- out:
		default:
			h.logger(ctx, "notifications.broadcast_queue_full", map[string]any{
				"connectionId": conn.id,
				"operatorId":   conn.operatorID,
				"eventType":    event.EventType(),
			})
			h.RemoveConnection(conn.operatorID, conn.stream)
		}
	}
}

// ConnectionCount reports the number of live connections across all operators.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.conns {
		total += len(set)
	}
	return total
}

// Close tears down every connection and rejects further registrations. It
// blocks until every connection's writer has stopped.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.wg.Wait()
		return
	}
	h.closed = true
	targets := make([]*connection, 0)
	for _, set := range h.conns {
		for _, conn := range set {
			targets = append(targets, conn)
		}
	}
	h.conns = make(map[string]map[Stream]*connection)
	h.mu.Unlock()

	for _, conn := range targets {
		conn.shutdown()
	}
	h.wg.Wait()
}

// writeLoop is the sole writer for a connection after the handshake. It
// drains the send queue in order and interleaves keepalive pings.
func (h *Hub) writeLoop(conn *connection) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.stop:
			return
		case out := <-conn.out:
			if err := conn.stream.Send(out.frame); err != nil {
				h.logger(context.Background(), "notifications.broadcast_send_failed", map[string]any{
					"connectionId": conn.id,
					"operatorId":   conn.operatorID,
					"eventType":    out.eventType,
					"error":        err.Error(),
				})
				h.RemoveConnection(conn.operatorID, conn.stream)
				return
			}
		case <-ticker.C:
			if err := h.sendEvent(conn, NewPingEvent(h.clock())); err != nil {
				h.logger(context.Background(), "notifications.ping_failed", map[string]any{
					"connectionId": conn.id,
					"operatorId":   conn.operatorID,
					"error":        err.Error(),
				})
				h.RemoveConnection(conn.operatorID, conn.stream)
				return
			}
		}
	}
}

func (h *Hub) sendEvent(conn *connection, event Event) error {
	frame, err := EncodeFrame(event)
	if err != nil {
		return err
	}
	return conn.stream.Send(frame)
}
