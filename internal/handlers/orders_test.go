package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tgif-kitchen/api/internal/domain"
	"github.com/tgif-kitchen/api/internal/payments"
	"github.com/tgif-kitchen/api/internal/platform/auth"
	"github.com/tgif-kitchen/api/internal/services"
)

type stubOrderService struct {
	placeOrderFn        func(ctx context.Context, cmd services.PlaceOrderCommand) (domain.Order, error)
	getOrderFn          func(ctx context.Context, orderID string) (domain.Order, error)
	listOrdersFn        func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error)
	pendingOrdersFn     func(ctx context.Context, limit int) ([]domain.Order, error)
	pendingOrderCountFn func(ctx context.Context) (int64, error)
	transitionFn        func(ctx context.Context, cmd services.TransitionStatusCommand) (domain.Order, error)
	updateOrderFn       func(ctx context.Context, cmd services.UpdateOrderCommand) (domain.Order, error)
	markReadFn          func(ctx context.Context, orderID string) (domain.Order, error)
	markUnreadFn        func(ctx context.Context, orderID string) (domain.Order, error)
	setETAFn            func(ctx context.Context, orderID string, eta time.Time) (domain.Order, error)
}

var errStubNotConfigured = errors.New("stub not configured")

func (s *stubOrderService) PlaceOrder(ctx context.Context, cmd services.PlaceOrderCommand) (domain.Order, error) {
	if s.placeOrderFn == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.placeOrderFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getOrderFn == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.getOrderFn(ctx, orderID)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listOrdersFn == nil {
		return domain.CursorPage[domain.Order]{}, errStubNotConfigured
	}
	return s.listOrdersFn(ctx, filter)
}

func (s *stubOrderService) PendingOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if s.pendingOrdersFn == nil {
		return nil, errStubNotConfigured
	}
	return s.pendingOrdersFn(ctx, limit)
}

func (s *stubOrderService) PendingOrderCount(ctx context.Context) (int64, error) {
	if s.pendingOrderCountFn == nil {
		return 0, errStubNotConfigured
	}
	return s.pendingOrderCountFn(ctx)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.TransitionStatusCommand) (domain.Order, error) {
	if s.transitionFn == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.transitionFn(ctx, cmd)
}

func (s *stubOrderService) UpdateOrder(ctx context.Context, cmd services.UpdateOrderCommand) (domain.Order, error) {
	if s.updateOrderFn == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.updateOrderFn(ctx, cmd)
}

func (s *stubOrderService) MarkRead(ctx context.Context, orderID string) (domain.Order, error) {
	if s.markReadFn == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.markReadFn(ctx, orderID)
}

func (s *stubOrderService) MarkUnread(ctx context.Context, orderID string) (domain.Order, error) {
	if s.markUnreadFn == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.markUnreadFn(ctx, orderID)
}

func (s *stubOrderService) SetEstimatedDeliveryTime(ctx context.Context, orderID string, eta time.Time) (domain.Order, error) {
	if s.setETAFn == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.setETAFn(ctx, orderID, eta)
}

type stubPaymentReconciler struct {
	createIntentFn func(ctx context.Context, orderID string) (services.PaymentIntentResult, error)
	verifyIntentFn func(ctx context.Context, orderID string) (domain.Order, error)
	cancelIntentFn func(ctx context.Context, orderID string) (domain.Order, error)
	refundFn       func(ctx context.Context, cmd services.RefundCommand) (services.RefundResult, error)
}

func (s *stubPaymentReconciler) CreateIntent(ctx context.Context, orderID string) (services.PaymentIntentResult, error) {
	if s.createIntentFn == nil {
		return services.PaymentIntentResult{}, errStubNotConfigured
	}
	return s.createIntentFn(ctx, orderID)
}

func (s *stubPaymentReconciler) VerifyIntent(ctx context.Context, orderID string) (domain.Order, error) {
	if s.verifyIntentFn == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.verifyIntentFn(ctx, orderID)
}

func (s *stubPaymentReconciler) CancelIntent(ctx context.Context, orderID string) (domain.Order, error) {
	if s.cancelIntentFn == nil {
		return domain.Order{}, errStubNotConfigured
	}
	return s.cancelIntentFn(ctx, orderID)
}

func (s *stubPaymentReconciler) Refund(ctx context.Context, cmd services.RefundCommand) (services.RefundResult, error) {
	if s.refundFn == nil {
		return services.RefundResult{}, errStubNotConfigured
	}
	return s.refundFn(ctx, cmd)
}

func newOrdersRouter(orders services.OrderService, reconciler services.PaymentReconciler, limiter RateLimiter) *chi.Mux {
	h := NewOrderHandlers(auth.NewAuthenticator(), orders, reconciler, limiter)
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func sampleOrder() domain.Order {
	created := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	return domain.Order{
		ID: "TGIF20240615123",
		Customer: domain.Customer{
			Email: "amara@example.com",
			Phone: "07700900123",
		},
		Delivery: domain.Delivery{Mode: domain.DeliveryModeCollection},
		Items: []domain.LineItem{
			{ItemID: "item-jollof", Name: "Jollof Rice", UnitPrice: 1099, Quantity: 1},
			{ItemID: "item-plantain", Name: "Fried Plantain", UnitPrice: 599, Quantity: 1},
		},
		Pricing: domain.Pricing{Subtotal: 1698, DeliveryFee: 0, Total: 1698},
		Payment: domain.Payment{
			Method: domain.PaymentMethodCashOnCollection,
			Status: domain.PaymentStatusPending,
			Amount: 1698,
		},
		Status:    domain.OrderStatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return payload
}

func TestPlaceOrderCreatesOrder(t *testing.T) {
	var captured services.PlaceOrderCommand
	orders := &stubOrderService{
		placeOrderFn: func(_ context.Context, cmd services.PlaceOrderCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	body := `{
		"customer": {"email": "amara@example.com", "phone": "07700900123"},
		"delivery": {"mode": "Collection"},
		"items": [
			{"itemId": "item-jollof", "name": "Jollof Rice", "unitPrice": 10.99, "quantity": 1},
			{"itemId": "item-plantain", "name": "Fried Plantain", "unitPrice": 5.99, "quantity": 1}
		],
		"specialRequests": "no peanuts"
	}`

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if captured.CustomerEmail != "amara@example.com" {
		t.Fatalf("expected customer email forwarded, got %q", captured.CustomerEmail)
	}
	if captured.DeliveryMode != domain.DeliveryModeCollection {
		t.Fatalf("expected normalised collection mode, got %q", captured.DeliveryMode)
	}
	if len(captured.Items) != 2 || captured.Items[0].UnitPrice != 1099 {
		t.Fatalf("unexpected items %#v", captured.Items)
	}

	payload := decodeBody(t, rec)
	if payload["orderId"] != "TGIF20240615123" {
		t.Fatalf("expected orderId in response, got %v", payload["orderId"])
	}
	if payload["status"] != "pending" {
		t.Fatalf("expected pending status, got %v", payload["status"])
	}
	pricing, ok := payload["pricing"].(map[string]any)
	if !ok || pricing["total"] != 16.98 {
		t.Fatalf("expected total 16.98, got %v", payload["pricing"])
	}
}

func TestPlaceOrderRejectsMalformedBody(t *testing.T) {
	router := newOrdersRouter(&stubOrderService{}, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["error"] != "invalid_request" {
		t.Fatalf("expected invalid_request code, got %v", payload["error"])
	}
}

func TestPlaceOrderMapsValidationError(t *testing.T) {
	orders := &stubOrderService{
		placeOrderFn: func(context.Context, services.PlaceOrderCommand) (domain.Order, error) {
			return domain.Order{}, fmt.Errorf("%w: at least one line item is required", services.ErrOrderInvalidInput)
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"customer":{"email":"a@example.com"},"delivery":{"mode":"collection"},"items":[]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDashboardRoutesRequireOperator(t *testing.T) {
	router := newOrdersRouter(&stubOrderService{}, &stubPaymentReconciler{}, nil)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/orders"},
		{http.MethodGet, "/orders/pending"},
		{http.MethodGet, "/orders/pending/count"},
		{http.MethodGet, "/orders/TGIF20240615123"},
		{http.MethodPost, "/orders/TGIF20240615123:status"},
		{http.MethodPost, "/orders/TGIF20240615123/payment:refund"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestListOrdersParsesFilters(t *testing.T) {
	var captured services.OrderListFilter
	orders := &stubOrderService{
		listOrdersFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			captured = filter
			return domain.CursorPage[domain.Order]{
				Items:         []domain.Order{sampleOrder()},
				NextPageToken: "next-token",
			}, nil
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/orders?status=pending,confirmed&unread=true&created_after=2024-06-01T00:00:00Z&page_size=500&page_token=tok", nil)
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusPending || captured.Status[1] != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected status filter %v", captured.Status)
	}
	if captured.Unread == nil || !*captured.Unread {
		t.Fatalf("expected unread filter set")
	}
	if captured.From == nil || !captured.From.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created_after filter %v", captured.From)
	}
	if captured.Pagination.PageSize != maxOrderPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxOrderPageSize, captured.Pagination.PageSize)
	}
	if captured.Pagination.PageToken != "tok" {
		t.Fatalf("expected page token forwarded, got %q", captured.Pagination.PageToken)
	}

	payload := decodeBody(t, rec)
	if payload["nextPageToken"] != "next-token" {
		t.Fatalf("expected nextPageToken, got %v", payload["nextPageToken"])
	}
	items, ok := payload["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected one item, got %v", payload["items"])
	}
}

func TestListOrdersRejectsUnknownStatus(t *testing.T) {
	router := newOrdersRouter(&stubOrderService{}, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/orders?status=shipped", nil)
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	orders := &stubOrderService{
		getOrderFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderNotFound
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/orders/TGIF20240615999", nil)
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["error"] != "order_not_found" {
		t.Fatalf("expected order_not_found code, got %v", payload["error"])
	}
}

func TestTransitionStatusForwardsOperator(t *testing.T) {
	var captured services.TransitionStatusCommand
	orders := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.TransitionStatusCommand) (domain.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusConfirmed
			return order, nil
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders/TGIF20240615123:status", strings.NewReader(`{"status":"Confirmed"}`))
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if captured.OrderID != "TGIF20240615123" {
		t.Fatalf("unexpected order id %q", captured.OrderID)
	}
	if captured.Target != domain.OrderStatusConfirmed {
		t.Fatalf("expected normalised target, got %q", captured.Target)
	}
	if captured.OperatorID != "op-7" {
		t.Fatalf("expected operator id from identity, got %q", captured.OperatorID)
	}
	if payload := decodeBody(t, rec); payload["status"] != "confirmed" {
		t.Fatalf("expected confirmed status in response, got %v", payload["status"])
	}
}

func TestTransitionStatusConflictIncludesStates(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(context.Context, services.TransitionStatusCommand) (domain.Order, error) {
			return domain.Order{}, &services.InvalidTransitionError{
				Current:   domain.OrderStatusCollected,
				Attempted: domain.OrderStatusConfirmed,
			}
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders/TGIF20240615123:status", strings.NewReader(`{"status":"confirmed"}`))
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["error"] != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %v", payload["error"])
	}
	if payload["currentStatus"] != "collected" || payload["attemptedStatus"] != "confirmed" {
		t.Fatalf("expected transition detail, got %v", payload)
	}
}

func TestPendingOrdersSnapshot(t *testing.T) {
	var capturedLimit int
	orders := &stubOrderService{
		pendingOrdersFn: func(_ context.Context, limit int) ([]domain.Order, error) {
			capturedLimit = limit
			return []domain.Order{sampleOrder()}, nil
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/orders/pending?limit=10", nil)
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if capturedLimit != 10 {
		t.Fatalf("expected limit forwarded, got %d", capturedLimit)
	}
	if payload := decodeBody(t, rec); payload["count"] != float64(1) {
		t.Fatalf("expected count 1, got %v", payload["count"])
	}
}

func TestPendingCount(t *testing.T) {
	orders := &stubOrderService{
		pendingOrderCountFn: func(context.Context) (int64, error) {
			return 7, nil
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/orders/pending/count", nil)
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["count"] != float64(7) {
		t.Fatalf("expected count 7, got %v", payload["count"])
	}
}

func TestUpdateOrderLockedConflict(t *testing.T) {
	orders := &stubOrderService{
		updateOrderFn: func(context.Context, services.UpdateOrderCommand) (domain.Order, error) {
			return domain.Order{}, fmt.Errorf("%w: items are locked after confirmation", services.ErrOrderLocked)
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodPatch, "/orders/TGIF20240615123", strings.NewReader(`{"items":[{"itemId":"item-jollof","name":"Jollof Rice","unitPrice":10.99,"quantity":2}]}`))
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["error"] != "order_locked" {
		t.Fatalf("expected order_locked code, got %v", payload["error"])
	}
}

func TestSetEstimatedDeliveryTime(t *testing.T) {
	var capturedETA time.Time
	orders := &stubOrderService{
		setETAFn: func(_ context.Context, _ string, eta time.Time) (domain.Order, error) {
			capturedETA = eta
			order := sampleOrder()
			order.EstimatedDeliveryTime = &eta
			return order, nil
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders/TGIF20240615123:eta", strings.NewReader(`{"estimatedDeliveryTime":"2024-06-15T13:30:00Z"}`))
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !capturedETA.Equal(time.Date(2024, 6, 15, 13, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected eta %v", capturedETA)
	}
}

func TestMarkReadAndUnread(t *testing.T) {
	orders := &stubOrderService{
		markReadFn: func(_ context.Context, orderID string) (domain.Order, error) {
			order := sampleOrder()
			order.Read = true
			return order, nil
		},
		markUnreadFn: func(_ context.Context, orderID string) (domain.Order, error) {
			return sampleOrder(), nil
		},
	}
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders/TGIF20240615123:read", nil)
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read: expected 200, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["read"] != true {
		t.Fatalf("expected read true, got %v", payload["read"])
	}

	req = httptest.NewRequest(http.MethodPost, "/orders/TGIF20240615123:unread", nil)
	req.Header.Set("X-Operator-Id", "op-7")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark unread: expected 200, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["read"] != false {
		t.Fatalf("expected read false, got %v", payload["read"])
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	reconciler := &stubPaymentReconciler{
		createIntentFn: func(_ context.Context, orderID string) (services.PaymentIntentResult, error) {
			if orderID != "TGIF20240615123" {
				return services.PaymentIntentResult{}, fmt.Errorf("unexpected order id %q", orderID)
			}
			return services.PaymentIntentResult{
				IntentID:     "pi_123",
				ClientSecret: "pi_123_secret",
				Status:       "requires_confirmation",
				Amount:       3297,
				Currency:     "GBP",
			}, nil
		},
	}
	router := newOrdersRouter(&stubOrderService{}, reconciler, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders/TGIF20240615123/payment:create", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["intentId"] != "pi_123" || payload["clientSecret"] != "pi_123_secret" {
		t.Fatalf("unexpected intent payload %v", payload)
	}
	if payload["amount"] != 32.97 || payload["currency"] != "GBP" {
		t.Fatalf("unexpected amount payload %v", payload)
	}
}

func TestCreatePaymentIntentGatewayFailure(t *testing.T) {
	reconciler := &stubPaymentReconciler{
		createIntentFn: func(context.Context, string) (services.PaymentIntentResult, error) {
			return services.PaymentIntentResult{}, &payments.GatewayError{
				Op:      "create intent",
				Code:    "card_declined",
				Message: "the card was declined",
			}
		},
	}
	router := newOrdersRouter(&stubOrderService{}, reconciler, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders/TGIF20240615123/payment:create", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["error"] != "gateway_error" {
		t.Fatalf("expected gateway_error code, got %v", payload["error"])
	}
	if payload["message"] != "the card was declined" {
		t.Fatalf("expected gateway message surfaced, got %v", payload["message"])
	}
}

func TestCreatePaymentIntentDuplicate(t *testing.T) {
	reconciler := &stubPaymentReconciler{
		createIntentFn: func(context.Context, string) (services.PaymentIntentResult, error) {
			return services.PaymentIntentResult{}, fmt.Errorf("%w: gateway reference already recorded", services.ErrPaymentIntentExists)
		},
	}
	router := newOrdersRouter(&stubOrderService{}, reconciler, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders/TGIF20240615123/payment:create", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["error"] != "payment_intent_exists" {
		t.Fatalf("expected payment_intent_exists code, got %v", payload["error"])
	}
}

func TestVerifyPaymentIntentMismatch(t *testing.T) {
	reconciler := &stubPaymentReconciler{
		verifyIntentFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, fmt.Errorf("%w: intent holds 100, order expects 3297", services.ErrPaymentAmountMismatch)
		},
	}
	router := newOrdersRouter(&stubOrderService{}, reconciler, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders/TGIF20240615123/payment:verify", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["error"] != "payment_amount_mismatch" {
		t.Fatalf("expected payment_amount_mismatch code, got %v", payload["error"])
	}
}

func TestRefundForwardsPartialAmount(t *testing.T) {
	var captured services.RefundCommand
	reconciler := &stubPaymentReconciler{
		refundFn: func(_ context.Context, cmd services.RefundCommand) (services.RefundResult, error) {
			captured = cmd
			return services.RefundResult{RefundID: "re_123", Amount: 500, Status: "succeeded"}, nil
		},
	}
	router := newOrdersRouter(&stubOrderService{}, reconciler, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders/TGIF20240615123/payment:refund", strings.NewReader(`{"amount": 5.00, "reason": "late delivery"}`))
	req.Header.Set("X-Operator-Id", "op-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if captured.Amount == nil || *captured.Amount != 500 {
		t.Fatalf("expected partial amount 500, got %v", captured.Amount)
	}
	if captured.Reason != "late delivery" {
		t.Fatalf("expected reason forwarded, got %q", captured.Reason)
	}
	if payload := decodeBody(t, rec); payload["refundId"] != "re_123" || payload["amount"] != 5.00 {
		t.Fatalf("unexpected refund payload %v", payload)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	orders := &stubOrderService{
		pendingOrderCountFn: func(context.Context) (int64, error) { return 0, nil },
	}
	limiter := NewSimpleRateLimiter(1, time.Minute, nil)
	router := newOrdersRouter(orders, &stubPaymentReconciler{}, limiter)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/orders/pending/count", nil)
		req.Header.Set("X-Operator-Id", "op-7")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}
