package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tgif-kitchen/api/internal/domain"
	"github.com/tgif-kitchen/api/internal/notifications"
	"github.com/tgif-kitchen/api/internal/payments"
	"github.com/tgif-kitchen/api/internal/platform/auth"
	"github.com/tgif-kitchen/api/internal/platform/httpx"
	"github.com/tgif-kitchen/api/internal/platform/pagination"
	"github.com/tgif-kitchen/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100

	operatorRateKeyPrefix  = "op:"
	anonymousRateKeyPrefix = "ip:"
)

type lineItemRequest struct {
	ItemID    string        `json:"itemId"`
	Name      string        `json:"name"`
	UnitPrice domain.Amount `json:"unitPrice"`
	Quantity  int           `json:"quantity"`
	ImageURL  string        `json:"imageUrl,omitempty"`
}

type customerRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type deliveryRequest struct {
	Mode     string `json:"mode"`
	Address  string `json:"address,omitempty"`
	Postcode string `json:"postcode,omitempty"`
}

type placeOrderRequest struct {
	Customer        customerRequest   `json:"customer"`
	Delivery        deliveryRequest   `json:"delivery"`
	Items           []lineItemRequest `json:"items"`
	SpecialRequests string            `json:"specialRequests,omitempty"`
	Notes           string            `json:"notes,omitempty"`
}

type updateOrderRequest struct {
	Items           []lineItemRequest `json:"items,omitempty"`
	Delivery        *deliveryRequest  `json:"delivery,omitempty"`
	SpecialRequests *string           `json:"specialRequests,omitempty"`
	Notes           *string           `json:"notes,omitempty"`
}

type transitionStatusRequest struct {
	Status string `json:"status"`
}

type estimatedDeliveryTimeRequest struct {
	EstimatedDeliveryTime time.Time `json:"estimatedDeliveryTime"`
}

type refundPaymentRequest struct {
	Amount *domain.Amount `json:"amount,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// OrderHandlers exposes order intake, the operator dashboard endpoints, and
// the payment reconciliation actions.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentReconciler
	limiter  RateLimiter
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, reconciler services.PaymentReconciler, limiter RateLimiter) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: reconciler,
		limiter:  limiter,
	}
}

// Routes registers the /orders endpoints. Intake and payment completion are
// reachable by the storefront; everything else requires an operator identity.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.limiter != nil {
		r.Use(h.rateLimit)
	}

	r.Post("/", h.placeOrder)
	r.Post("/{orderID}/payment:create", h.createPaymentIntent)
	r.Post("/{orderID}/payment:verify", h.verifyPaymentIntent)

	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireOperator(auth.RoleOperator, auth.RoleAdmin))
		}
		g.Get("/", h.listOrders)
		g.Get("/pending", h.pendingOrders)
		g.Get("/pending/count", h.pendingCount)
		g.Get("/{orderID}", h.getOrder)
		g.Patch("/{orderID}", h.updateOrder)
		g.Post("/{orderID}:status", h.transitionStatus)
		g.Post("/{orderID}:read", h.markRead)
		g.Post("/{orderID}:unread", h.markUnread)
		g.Post("/{orderID}:eta", h.setEstimatedDeliveryTime)
		g.Post("/{orderID}/payment:cancel", h.cancelPaymentIntent)
		g.Post("/{orderID}/payment:refund", h.refundPayment)
	})
}

func (h *OrderHandlers) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := anonymousRateKeyPrefix + r.RemoteAddr
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			key = operatorRateKeyPrefix + identity.UID
		} else if uid := h.authn.OperatorID(r); uid != "" {
			key = operatorRateKeyPrefix + uid
		}
		if !h.limiter.Allow(key) {
			httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	var req placeOrderRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	items := make([]services.NewLineItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.NewLineItemInput{
			ItemID:    item.ItemID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		})
	}

	order, err := h.orders.PlaceOrder(ctx, services.PlaceOrderCommand{
		CustomerEmail:   req.Customer.Email,
		CustomerPhone:   req.Customer.Phone,
		DeliveryMode:    domain.DeliveryMode(strings.ToLower(strings.TrimSpace(req.Delivery.Mode))),
		Address:         req.Delivery.Address,
		Postcode:        req.Delivery.Postcode,
		Items:           items,
		SpecialRequests: req.SpecialRequests,
		Notes:           req.Notes,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, notifications.NewOrderView(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	query := r.URL.Query()

	statuses, err := parseStatusFilters(query["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{Status: statuses}

	if raw := strings.TrimSpace(query.Get("unread")); raw != "" {
		unreadOnly, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unread must be a boolean", http.StatusBadRequest))
			return
		}
		filter.Unread = &unreadOnly
	}

	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.To = &ts
	}

	pageSize := defaultOrderPageSize
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		pageSize = pagination.Clamp(size, defaultOrderPageSize, maxOrderPageSize)
	}
	filter.Pagination = domain.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]notifications.OrderView, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, notifications.NewOrderView(order))
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"items":         items,
		"nextPageToken": page.NextPageToken,
	})
}

func (h *OrderHandlers) pendingOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	orders, err := h.orders.PendingOrders(ctx, limit)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]notifications.OrderView, 0, len(orders))
	for _, order := range orders {
		items = append(items, notifications.NewOrderView(order))
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (h *OrderHandlers) pendingCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	count, err := h.orders.PendingOrderCount(ctx)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"count": count})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, notifications.NewOrderView(order))
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	var req updateOrderRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cmd := services.UpdateOrderCommand{
		OrderID:         chi.URLParam(r, "orderID"),
		SpecialRequests: req.SpecialRequests,
		Notes:           req.Notes,
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.NewLineItemInput{
			ItemID:    item.ItemID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		})
	}
	if req.Delivery != nil {
		mode := domain.DeliveryMode(strings.ToLower(strings.TrimSpace(req.Delivery.Mode)))
		cmd.DeliveryMode = &mode
		cmd.Address = &req.Delivery.Address
		cmd.Postcode = &req.Delivery.Postcode
	}

	order, err := h.orders.UpdateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, notifications.NewOrderView(order))
}

func (h *OrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	var req transitionStatusRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	operatorID := ""
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		operatorID = identity.UID
	}

	order, err := h.orders.TransitionStatus(ctx, services.TransitionStatusCommand{
		OrderID:    chi.URLParam(r, "orderID"),
		Target:     domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		OperatorID: operatorID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, notifications.NewOrderView(order))
}

func (h *OrderHandlers) markRead(w http.ResponseWriter, r *http.Request) {
	h.setReadFlag(w, r, true)
}

func (h *OrderHandlers) markUnread(w http.ResponseWriter, r *http.Request) {
	h.setReadFlag(w, r, false)
}

func (h *OrderHandlers) setReadFlag(w http.ResponseWriter, r *http.Request, read bool) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	var (
		order domain.Order
		err   error
	)
	if read {
		order, err = h.orders.MarkRead(ctx, chi.URLParam(r, "orderID"))
	} else {
		order, err = h.orders.MarkUnread(ctx, chi.URLParam(r, "orderID"))
	}
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, notifications.NewOrderView(order))
}

func (h *OrderHandlers) setEstimatedDeliveryTime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	var req estimatedDeliveryTimeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.SetEstimatedDeliveryTime(ctx, chi.URLParam(r, "orderID"), req.EstimatedDeliveryTime)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, notifications.NewOrderView(order))
}

func (h *OrderHandlers) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	result, err := h.payments.CreateIntent(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, map[string]any{
		"intentId":     result.IntentID,
		"clientSecret": result.ClientSecret,
		"status":       result.Status,
		"amount":       result.Amount,
		"currency":     result.Currency,
	})
}

func (h *OrderHandlers) verifyPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	order, err := h.payments.VerifyIntent(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, notifications.NewOrderView(order))
}

func (h *OrderHandlers) cancelPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	order, err := h.payments.CancelIntent(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, notifications.NewOrderView(order))
}

func (h *OrderHandlers) refundPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	var req refundPaymentRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.payments.Refund(ctx, services.RefundCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Amount:  req.Amount,
		Reason:  req.Reason,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"refundId": result.RefundID,
		"amount":   result.Amount,
		"status":   result.Status,
	})
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var transitionErr *services.InvalidTransitionError
	switch {
	case errors.As(err, &transitionErr):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", transitionErr.Error(), http.StatusConflict).
			WithDetails(map[string]any{
				"currentStatus":   string(transitionErr.Current),
				"attemptedStatus": string(transitionErr.Attempted),
			}))
	case errors.Is(err, services.ErrOrderLocked):
		httpx.WriteError(ctx, w, httpx.NewError("order_locked", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var gatewayErr *payments.GatewayError
	switch {
	case errors.Is(err, services.ErrMalformedOrderID):
		httpx.WriteError(ctx, w, httpx.NewError("malformed_order_id", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentIntentExists):
		httpx.WriteError(ctx, w, httpx.NewError("payment_intent_exists", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentNoIntent):
		httpx.WriteError(ctx, w, httpx.NewError("payment_no_intent", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("payment_amount_mismatch", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentNotSucceeded):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_succeeded", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.As(err, &gatewayErr):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", gatewayErr.Message, http.StatusBadGateway))
	case errors.Is(err, payments.ErrGateway):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment gateway unavailable", http.StatusBadGateway))
	default:
		writeOrderError(ctx, w, err)
	}
}
