package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/tgif-kitchen/api/internal/domain"
	"github.com/tgif-kitchen/api/internal/notifications"
	"github.com/tgif-kitchen/api/internal/repositories"
)

type testRepoError struct {
	notFound bool
	conflict bool
	msg      string
}

func (e testRepoError) Error() string       { return e.msg }
func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return e.conflict }
func (e testRepoError) IsUnavailable() bool { return false }

type memOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[string]domain.Order)}
}

func (r *memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return testRepoError{conflict: true, msg: "order already exists"}
	}
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, testRepoError{notFound: true, msg: "order not found"}
	}
	return order, nil
}

func (r *memOrderRepo) Mutate(_ context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, testRepoError{notFound: true, msg: "order not found"}
	}
	if err := fn(&order); err != nil {
		return domain.Order{}, err
	}
	r.orders[orderID] = order
	return order, nil
}

func (r *memOrderRepo) List(_ context.Context, _ repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	page := domain.CursorPage[domain.Order]{}
	for _, order := range r.orders {
		page.Items = append(page.Items, order)
	}
	return page, nil
}

func (r *memOrderRepo) CountByStatus(_ context.Context, status domain.OrderStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, order := range r.orders {
		if order.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *memOrderRepo) ListByStatus(_ context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.Status == status && len(out) < limit {
			out = append(out, order)
		}
	}
	return out, nil
}

func (r *memOrderRepo) put(order domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = order
}

type stubCounterRepo struct {
	nextFn func(context.Context, string, int64) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 1, nil
}

func (s *stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (c *captureBroadcaster) Broadcast(_ context.Context, event notifications.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureBroadcaster) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.EventType())
	}
	return out
}

func (c *captureBroadcaster) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

type capturePublisher struct {
	mu       sync.Mutex
	messages []OrderEventMessage
	err      error
}

func (c *capturePublisher) PublishOrderEvent(_ context.Context, msg OrderEventMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.messages = append(c.messages, msg)
	return fmt.Sprintf("msg-%d", len(c.messages)), nil
}

var testClock = func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }

type orderServiceFixture struct {
	service     OrderService
	repo        *memOrderRepo
	counter     *stubCounterRepo
	broadcaster *captureBroadcaster
	publisher   *capturePublisher
}

func newOrderServiceFixture(t *testing.T) *orderServiceFixture {
	t.Helper()

	fixture := &orderServiceFixture{
		repo:        newMemOrderRepo(),
		counter:     &stubCounterRepo{},
		broadcaster: &captureBroadcaster{},
		publisher:   &capturePublisher{},
	}

	pricing, err := NewPricingEngine(PricingEngineConfig{DeliveryFee: 200})
	if err != nil {
		t.Fatalf("NewPricingEngine: %v", err)
	}

	service, err := NewOrderService(OrderServiceDeps{
		Orders:      fixture.repo,
		Counters:    fixture.counter,
		Pricing:     pricing,
		Broadcaster: fixture.broadcaster,
		Events:      fixture.publisher,
		Clock:       testClock,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	fixture.service = service
	return fixture
}

func collectionOrderCommand() PlaceOrderCommand {
	return PlaceOrderCommand{
		CustomerEmail: "amara@example.com",
		CustomerPhone: "+44 7700 900123",
		DeliveryMode:  domain.DeliveryModeCollection,
		Items: []NewLineItemInput{
			{ItemID: "jollof-rice", Name: "Jollof Rice", UnitPrice: 1099, Quantity: 1},
			{ItemID: "plantain", Name: "Fried Plantain", UnitPrice: 599, Quantity: 1},
		},
	}
}

func TestPlaceOrderCreatesPendingOrder(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.counter.nextFn = func(_ context.Context, counterID string, _ int64) (int64, error) {
		if counterID != "orders-20240615" {
			t.Fatalf("unexpected counter id %q", counterID)
		}
		return 123, nil
	}

	order, err := f.service.PlaceOrder(context.Background(), collectionOrderCommand())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if order.ID != "TGIF20240615123" {
		t.Fatalf("unexpected order id %q", order.ID)
	}
	if !domain.ValidOrderID(order.ID) {
		t.Fatalf("expected canonical order id, got %q", order.ID)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending status, got %s", order.Status)
	}
	if order.Payment.Method != domain.PaymentMethodCashOnCollection {
		t.Fatalf("expected cash_on_collection, got %s", order.Payment.Method)
	}
	if order.Payment.Amount != mustAmount(t, "16.98") {
		t.Fatalf("expected payment amount 16.98, got %s", order.Payment.Amount)
	}
	if order.Pricing.Total != order.Pricing.Subtotal {
		t.Fatalf("collection order must not carry a delivery fee")
	}
	if order.Read {
		t.Fatalf("new orders start unread")
	}

	types := f.broadcaster.types()
	if len(types) != 2 || types[0] != "order.created" || types[1] != "pending.count" {
		t.Fatalf("unexpected broadcast sequence %v", types)
	}

	if len(f.publisher.messages) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(f.publisher.messages))
	}
	msg := f.publisher.messages[0]
	if msg.Type != "order.created" || msg.OrderID != order.ID || msg.CurrentStatus != "pending" {
		t.Fatalf("unexpected published message %+v", msg)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newOrderServiceFixture(t)

	cases := []struct {
		name   string
		mutate func(*PlaceOrderCommand)
	}{
		{"missing email", func(cmd *PlaceOrderCommand) { cmd.CustomerEmail = "" }},
		{"malformed email", func(cmd *PlaceOrderCommand) { cmd.CustomerEmail = "not-an-email" }},
		{"no items", func(cmd *PlaceOrderCommand) { cmd.Items = nil }},
		{"zero quantity", func(cmd *PlaceOrderCommand) { cmd.Items[0].Quantity = 0 }},
		{"delivery without address", func(cmd *PlaceOrderCommand) {
			cmd.DeliveryMode = domain.DeliveryModeDelivery
			cmd.Postcode = "SW1A 1AA"
		}},
		{"delivery without postcode", func(cmd *PlaceOrderCommand) {
			cmd.DeliveryMode = domain.DeliveryModeDelivery
			cmd.Address = "1 Kitchen Lane"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := collectionOrderCommand()
			tc.mutate(&cmd)
			if _, err := f.service.PlaceOrder(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
			}
		})
	}
}

func TestPlaceOrderSanitizesFreeText(t *testing.T) {
	f := newOrderServiceFixture(t)

	cmd := collectionOrderCommand()
	cmd.SpecialRequests = "extra pepper <script>alert('x')</script> please"
	cmd.Notes = "<b>allergy:</b> peanuts"

	order, err := f.service.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if strings.Contains(order.SpecialRequests, "<script>") || strings.Contains(order.SpecialRequests, "alert") {
		t.Fatalf("script content survived sanitisation: %q", order.SpecialRequests)
	}
	if strings.Contains(order.Notes, "<b>") {
		t.Fatalf("markup survived sanitisation: %q", order.Notes)
	}
	if !strings.Contains(order.Notes, "peanuts") {
		t.Fatalf("sanitisation dropped legitimate text: %q", order.Notes)
	}
}

func TestPlaceOrderRetriesOnIDConflict(t *testing.T) {
	f := newOrderServiceFixture(t)

	f.repo.put(domain.Order{ID: "TGIF20240615001", Status: domain.OrderStatusCollected})

	seq := int64(0)
	f.counter.nextFn = func(context.Context, string, int64) (int64, error) {
		seq++
		return seq, nil
	}

	order, err := f.service.PlaceOrder(context.Background(), collectionOrderCommand())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.ID != "TGIF20240615002" {
		t.Fatalf("expected retry to allocate next id, got %q", order.ID)
	}
}

func seedOrder(f *orderServiceFixture, id string, mode domain.DeliveryMode, status domain.OrderStatus) {
	f.repo.put(domain.Order{
		ID:       id,
		Customer: domain.Customer{Email: "amara@example.com"},
		Delivery: domain.Delivery{Mode: mode, Address: "1 Kitchen Lane", Postcode: "SW1A 1AA"},
		Items: []domain.LineItem{
			{ItemID: "jollof-rice", Name: "Jollof Rice", UnitPrice: 1099, Quantity: 1},
		},
		Pricing:   domain.Pricing{Subtotal: 1099, Total: 1099},
		Payment:   domain.Payment{Method: domain.DefaultPaymentMethod(mode), Status: domain.PaymentStatusPending, Amount: 1099},
		Status:    status,
		CreatedAt: testClock(),
		UpdatedAt: testClock(),
	})
}

func TestTransitionStatusLegalityMatrix(t *testing.T) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusConfirmed,
		domain.OrderStatusCancelled,
		domain.OrderStatusReadyForCollection,
		domain.OrderStatusDelivered,
		domain.OrderStatusCollected,
	}

	allowed := map[domain.DeliveryMode]map[domain.OrderStatus][]domain.OrderStatus{
		domain.DeliveryModeCollection: {
			domain.OrderStatusPending:            {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
			domain.OrderStatusConfirmed:          {domain.OrderStatusCancelled, domain.OrderStatusReadyForCollection},
			domain.OrderStatusReadyForCollection: {domain.OrderStatusCollected},
		},
		domain.DeliveryModeDelivery: {
			domain.OrderStatusPending:            {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
			domain.OrderStatusConfirmed:          {domain.OrderStatusCancelled, domain.OrderStatusDelivered},
			domain.OrderStatusReadyForCollection: {domain.OrderStatusCollected},
		},
	}

	isAllowed := func(mode domain.DeliveryMode, from, to domain.OrderStatus) bool {
		for _, target := range allowed[mode][from] {
			if target == to {
				return true
			}
		}
		return false
	}

	for _, mode := range []domain.DeliveryMode{domain.DeliveryModeCollection, domain.DeliveryModeDelivery} {
		for _, from := range statuses {
			for _, to := range statuses {
				name := fmt.Sprintf("%s/%s_to_%s", mode, from, to)
				t.Run(name, func(t *testing.T) {
					f := newOrderServiceFixture(t)
					seedOrder(f, "TGIF20240615500", mode, from)

					_, err := f.service.TransitionStatus(context.Background(), TransitionStatusCommand{
						OrderID: "TGIF20240615500",
						Target:  to,
					})

					if isAllowed(mode, from, to) {
						if err != nil {
							t.Fatalf("expected transition to succeed: %v", err)
						}
						return
					}

					if !errors.Is(err, ErrInvalidTransition) {
						t.Fatalf("expected ErrInvalidTransition, got %v", err)
					}
					var transitionErr *InvalidTransitionError
					if !errors.As(err, &transitionErr) {
						t.Fatalf("expected InvalidTransitionError, got %T", err)
					}
					if transitionErr.Current != from || transitionErr.Attempted != to {
						t.Fatalf("error states %q->%q do not match attempt %q->%q",
							transitionErr.Current, transitionErr.Attempted, from, to)
					}

					stored, err := f.repo.FindByID(context.Background(), "TGIF20240615500")
					if err != nil {
						t.Fatalf("FindByID: %v", err)
					}
					if stored.Status != from {
						t.Fatalf("rejected transition mutated status: %s", stored.Status)
					}
				})
			}
		}
	}
}

func TestTerminalStatesAdmitNoTransition(t *testing.T) {
	terminal := []domain.OrderStatus{
		domain.OrderStatusCancelled,
		domain.OrderStatusDelivered,
		domain.OrderStatusCollected,
	}
	targets := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusConfirmed,
		domain.OrderStatusCancelled,
		domain.OrderStatusReadyForCollection,
		domain.OrderStatusDelivered,
		domain.OrderStatusCollected,
	}

	for _, from := range terminal {
		for _, to := range targets {
			f := newOrderServiceFixture(t)
			seedOrder(f, "TGIF20240615600", domain.DeliveryModeCollection, from)

			_, err := f.service.TransitionStatus(context.Background(), TransitionStatusCommand{
				OrderID: "TGIF20240615600",
				Target:  to,
			})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestCollectionOrderLifecycle(t *testing.T) {
	f := newOrderServiceFixture(t)

	order, err := f.service.PlaceOrder(context.Background(), collectionOrderCommand())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Payment.Amount != mustAmount(t, "16.98") {
		t.Fatalf("expected payment amount 16.98, got %s", order.Payment.Amount)
	}
	f.broadcaster.reset()

	for _, target := range []domain.OrderStatus{
		domain.OrderStatusConfirmed,
		domain.OrderStatusReadyForCollection,
		domain.OrderStatusCollected,
	} {
		order, err = f.service.TransitionStatus(context.Background(), TransitionStatusCommand{
			OrderID:    order.ID,
			Target:     target,
			OperatorID: "op-1",
		})
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
		if order.Status != target {
			t.Fatalf("expected status %s, got %s", target, order.Status)
		}
	}

	if order.ActualDeliveryTime == nil || !order.ActualDeliveryTime.Equal(testClock()) {
		t.Fatalf("expected actualDeliveryTime stamped on collection, got %v", order.ActualDeliveryTime)
	}

	if _, err := f.service.TransitionStatus(context.Background(), TransitionStatusCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusConfirmed,
	}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after collection, got %v", err)
	}

	types := f.broadcaster.types()
	// pending -> confirmed drains the backlog, so the first transition also
	// re-broadcasts the pending count.
	expected := []string{
		"order.updated", "order.status_changed", "pending.count",
		"order.updated", "order.status_changed",
		"order.updated", "order.status_changed",
	}
	if len(types) != len(expected) {
		t.Fatalf("unexpected broadcast sequence %v", types)
	}
	for i, want := range expected {
		if types[i] != want {
			t.Fatalf("broadcast %d: expected %s, got %s (%v)", i, want, types[i], types)
		}
	}
}

func TestUpdateOrderRejectsItemChangesAfterConfirmation(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedOrder(f, "TGIF20240615700", domain.DeliveryModeDelivery, domain.OrderStatusConfirmed)

	_, err := f.service.UpdateOrder(context.Background(), UpdateOrderCommand{
		OrderID: "TGIF20240615700",
		Items: []NewLineItemInput{
			{ItemID: "suya", Name: "Beef Suya", UnitPrice: 1250, Quantity: 1},
		},
	})
	if !errors.Is(err, ErrOrderLocked) {
		t.Fatalf("expected ErrOrderLocked, got %v", err)
	}

	mode := domain.DeliveryModeCollection
	_, err = f.service.UpdateOrder(context.Background(), UpdateOrderCommand{
		OrderID:      "TGIF20240615700",
		DeliveryMode: &mode,
	})
	if !errors.Is(err, ErrOrderLocked) {
		t.Fatalf("expected ErrOrderLocked for mode change, got %v", err)
	}
}

func TestUpdateOrderRecomputesPricing(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedOrder(f, "TGIF20240615701", domain.DeliveryModeCollection, domain.OrderStatusPending)

	mode := domain.DeliveryModeDelivery
	address := "1 Kitchen Lane"
	postcode := "sw1a 1aa"
	updated, err := f.service.UpdateOrder(context.Background(), UpdateOrderCommand{
		OrderID:      "TGIF20240615701",
		DeliveryMode: &mode,
		Address:      &address,
		Postcode:     &postcode,
	})
	if err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}

	if updated.Pricing.DeliveryFee != 200 {
		t.Fatalf("expected delivery fee 2.00, got %s", updated.Pricing.DeliveryFee)
	}
	if updated.Pricing.Total != updated.Pricing.Subtotal+200 {
		t.Fatalf("total not recomputed: %+v", updated.Pricing)
	}
	if updated.Payment.Amount != updated.Pricing.Total {
		t.Fatalf("payment amount %s does not track total %s", updated.Payment.Amount, updated.Pricing.Total)
	}
	if updated.Payment.Method != domain.PaymentMethodCashOnDelivery {
		t.Fatalf("expected cash_on_delivery after mode change, got %s", updated.Payment.Method)
	}
	if updated.Delivery.Postcode != "SW1A 1AA" {
		t.Fatalf("expected postcode normalised, got %q", updated.Delivery.Postcode)
	}

	types := f.broadcaster.types()
	if len(types) != 1 || types[0] != "order.updated" {
		t.Fatalf("expected a single order.updated broadcast, got %v", types)
	}
}

func TestUpdateOrderNotesAllowedAfterConfirmation(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedOrder(f, "TGIF20240615702", domain.DeliveryModeDelivery, domain.OrderStatusConfirmed)

	notes := "driver: ring the side bell"
	updated, err := f.service.UpdateOrder(context.Background(), UpdateOrderCommand{
		OrderID: "TGIF20240615702",
		Notes:   &notes,
	})
	if err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	if updated.Notes != notes {
		t.Fatalf("expected notes updated, got %q", updated.Notes)
	}
}

func TestSetEstimatedDeliveryTime(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedOrder(f, "TGIF20240615800", domain.DeliveryModeDelivery, domain.OrderStatusConfirmed)

	eta := time.Date(2024, 6, 15, 19, 30, 0, 0, time.UTC)
	updated, err := f.service.SetEstimatedDeliveryTime(context.Background(), "TGIF20240615800", eta)
	if err != nil {
		t.Fatalf("SetEstimatedDeliveryTime: %v", err)
	}
	if updated.EstimatedDeliveryTime == nil || !updated.EstimatedDeliveryTime.Equal(eta) {
		t.Fatalf("expected eta %v, got %v", eta, updated.EstimatedDeliveryTime)
	}

	seedOrder(f, "TGIF20240615801", domain.DeliveryModeDelivery, domain.OrderStatusDelivered)
	if _, err := f.service.SetEstimatedDeliveryTime(context.Background(), "TGIF20240615801", eta); !errors.Is(err, ErrOrderLocked) {
		t.Fatalf("expected ErrOrderLocked for delivered order, got %v", err)
	}
}

func TestMarkReadAndUnread(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedOrder(f, "TGIF20240615900", domain.DeliveryModeCollection, domain.OrderStatusPending)

	updated, err := f.service.MarkRead(context.Background(), "TGIF20240615900")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !updated.Read {
		t.Fatalf("expected order marked read")
	}
	types := f.broadcaster.types()
	if len(types) != 1 || types[0] != "order.updated" {
		t.Fatalf("expected an order.updated broadcast after MarkRead, got %v", types)
	}

	f.broadcaster.reset()
	updated, err = f.service.MarkUnread(context.Background(), "TGIF20240615900")
	if err != nil {
		t.Fatalf("MarkUnread: %v", err)
	}
	if updated.Read {
		t.Fatalf("expected order marked unread")
	}
	types = f.broadcaster.types()
	if len(types) != 1 || types[0] != "order.updated" {
		t.Fatalf("expected an order.updated broadcast after MarkUnread, got %v", types)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	f := newOrderServiceFixture(t)
	if _, err := f.service.GetOrder(context.Background(), "TGIF20240615999"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
