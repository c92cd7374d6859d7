package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/tgif-kitchen/api/internal/domain"
	"github.com/tgif-kitchen/api/internal/notifications"
	"github.com/tgif-kitchen/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderCounterPrefix      = "orders-"
	defaultFreeTextLimit    = 500
	defaultPendingSnapshot  = 50
	maxPendingSnapshot      = 100
	orderIDAllocationTries  = 3
	orderIDDisambiguatorMod = 1000
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates a duplicate identifier or concurrent write clash.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrInvalidTransition indicates an illegal status change was attempted.
	ErrInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderLocked indicates items or delivery details were modified after the
	// order left pending. The price is fixed once an operator confirms.
	ErrOrderLocked = errors.New("order: contents locked after confirmation")
)

// InvalidTransitionError reports the attempted and current states of a
// rejected status change.
type InvalidTransitionError struct {
	Current   domain.OrderStatus
	Attempted domain.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order: invalid status transition from %q to %q", e.Current, e.Attempted)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// allowedTransition applies the lifecycle rules. ready_for_collection is
// reserved for collection orders and delivered for delivery orders.
func allowedTransition(order domain.Order, target domain.OrderStatus) bool {
	if order.Status.IsTerminal() {
		return false
	}
	switch target {
	case domain.OrderStatusCancelled:
		return order.Status.CanBeCancelled()
	case domain.OrderStatusConfirmed:
		return order.Status == domain.OrderStatusPending
	case domain.OrderStatusReadyForCollection:
		return order.Status == domain.OrderStatusConfirmed && order.Delivery.Mode == domain.DeliveryModeCollection
	case domain.OrderStatusDelivered:
		return order.Status == domain.OrderStatusConfirmed && order.Delivery.Mode == domain.DeliveryModeDelivery
	case domain.OrderStatusCollected:
		return order.IsReadyForCollection()
	}
	return false
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Counters      repositories.CounterRepository
	Pricing       *PricingEngine
	Broadcaster   EventBroadcaster
	Events        OrderEventPublisher
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
	FreeTextLimit int

	// PendingSnapshotLimit caps the backlog returned when callers do not
	// request a specific size.
	PendingSnapshotLimit int
}

type orderService struct {
	orders        repositories.OrderRepository
	counters      repositories.CounterRepository
	pricing       *PricingEngine
	broadcaster   EventBroadcaster
	events        OrderEventPublisher
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
	sanitizer     *bluemonday.Policy
	freeTextLimit int
	pendingLimit  int
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(context.Context, notifications.Event) {}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}

	broadcaster := deps.Broadcaster
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	limit := deps.FreeTextLimit
	if limit <= 0 {
		limit = defaultFreeTextLimit
	}

	pendingLimit := deps.PendingSnapshotLimit
	if pendingLimit <= 0 {
		pendingLimit = defaultPendingSnapshot
	}
	if pendingLimit > maxPendingSnapshot {
		pendingLimit = maxPendingSnapshot
	}

	return &orderService{
		orders:      deps.Orders,
		counters:    deps.Counters,
		pricing:     deps.Pricing,
		broadcaster: broadcaster,
		events:      deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:        logger,
		sanitizer:     bluemonday.StrictPolicy(),
		freeTextLimit: limit,
		pendingLimit:  pendingLimit,
	}, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error) {
	now := s.clock()

	email := strings.TrimSpace(cmd.CustomerEmail)
	if email == "" {
		return domain.Order{}, fmt.Errorf("%w: customer email is required", ErrOrderInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.Order{}, fmt.Errorf("%w: customer email is not valid", ErrOrderInvalidInput)
	}

	delivery, err := s.buildDelivery(cmd.DeliveryMode, cmd.Address, cmd.Postcode)
	if err != nil {
		return domain.Order{}, err
	}

	items, err := s.buildLineItems(cmd.Items)
	if err != nil {
		return domain.Order{}, err
	}

	pricing, err := s.pricing.Price(items, delivery.Mode)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	order := domain.Order{
		Customer: domain.Customer{
			Email: email,
			Phone: strings.TrimSpace(cmd.CustomerPhone),
		},
		Delivery: delivery,
		Items:    items,
		Pricing:  pricing,
		Payment: domain.Payment{
			Method: domain.DefaultPaymentMethod(delivery.Mode),
			Status: domain.PaymentStatusPending,
			Amount: pricing.Total,
		},
		Status:          domain.OrderStatusPending,
		SpecialRequests: s.sanitizeText(cmd.SpecialRequests),
		Notes:           s.sanitizeText(cmd.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Daily counters allocate the disambiguator; a wrapped value can collide
	// with an id minted earlier the same day, so retry on insert conflict.
	for attempt := 0; attempt < orderIDAllocationTries; attempt++ {
		seq, err := s.counters.Next(ctx, orderCounterPrefix+now.Format("20060102"), 1)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order: allocate identifier: %w", err)
		}
		order.ID = domain.NewOrderID(now, int(seq%orderIDDisambiguatorMod))

		err = s.orders.Insert(ctx, order)
		if err == nil {
			break
		}
		if isRepositoryConflict(err) && attempt < orderIDAllocationTries-1 {
			continue
		}
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.broadcaster.Broadcast(ctx, notifications.NewOrderCreatedEvent(order, now))
	s.broadcastPendingCount(ctx)
	s.publishEvent(ctx, OrderEventMessage{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		CurrentStatus: string(order.Status),
		DeliveryMode:  string(order.Delivery.Mode),
		Total:         order.Pricing.Total,
		OccurredAt:    now,
	})

	s.logger(ctx, "order.placed", map[string]any{
		"orderId":      order.ID,
		"deliveryMode": string(order.Delivery.Mode),
		"total":        order.Pricing.Total.String(),
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error) {
	for _, status := range filter.Status {
		switch status {
		case domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusCancelled,
			domain.OrderStatusReadyForCollection, domain.OrderStatusDelivered, domain.OrderStatusCollected:
		default:
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}

	page, err := s.orders.List(ctx, repositoryFilter(filter))
	if err != nil {
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) PendingOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = s.pendingLimit
	}
	if limit > maxPendingSnapshot {
		limit = maxPendingSnapshot
	}
	orders, err := s.orders.ListByStatus(ctx, domain.OrderStatusPending, limit)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) PendingOrderCount(ctx context.Context) (int64, error) {
	count, err := s.orders.CountByStatus(ctx, domain.OrderStatusPending)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	return count, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd TransitionStatusCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var previous domain.OrderStatus
	now := s.clock()

	updated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		previous = order.Status
		if !allowedTransition(*order, cmd.Target) {
			return &InvalidTransitionError{Current: order.Status, Attempted: cmd.Target}
		}
		order.Status = cmd.Target
		if cmd.Target == domain.OrderStatusDelivered || cmd.Target == domain.OrderStatusCollected {
			stamped := now
			order.ActualDeliveryTime = &stamped
		}
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.broadcaster.Broadcast(ctx, notifications.NewOrderUpdatedEvent(updated, previous, now))
	s.broadcaster.Broadcast(ctx, notifications.NewOrderStatusChangedEvent(updated.ID, updated.Status, previous, now))
	if previous == domain.OrderStatusPending {
		s.broadcastPendingCount(ctx)
	}
	s.publishEvent(ctx, OrderEventMessage{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		DeliveryMode:   string(updated.Delivery.Mode),
		Total:          updated.Pricing.Total,
		OccurredAt:     now,
	})

	s.logger(ctx, "order.status_changed", map[string]any{
		"orderId":        updated.ID,
		"previousStatus": string(previous),
		"newStatus":      string(updated.Status),
		"operatorId":     cmd.OperatorID,
	})

	return updated, nil
}

func (s *orderService) UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	touchesPrice := len(cmd.Items) > 0 || cmd.DeliveryMode != nil || cmd.Address != nil || cmd.Postcode != nil

	var previous domain.OrderStatus
	now := s.clock()

	updated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		previous = order.Status
		if touchesPrice && order.Status != domain.OrderStatusPending {
			return ErrOrderLocked
		}

		if len(cmd.Items) > 0 {
			items, err := s.buildLineItems(cmd.Items)
			if err != nil {
				return err
			}
			order.Items = items
		}

		if cmd.DeliveryMode != nil || cmd.Address != nil || cmd.Postcode != nil {
			mode := order.Delivery.Mode
			if cmd.DeliveryMode != nil {
				mode = *cmd.DeliveryMode
			}
			address := order.Delivery.Address
			if cmd.Address != nil {
				address = *cmd.Address
			}
			postcode := order.Delivery.Postcode
			if cmd.Postcode != nil {
				postcode = *cmd.Postcode
			}
			delivery, err := s.buildDelivery(mode, address, postcode)
			if err != nil {
				return err
			}
			order.Delivery = delivery
		}

		if touchesPrice {
			pricing, err := s.pricing.Price(order.Items, order.Delivery.Mode)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
			}
			order.Pricing = pricing
			order.Payment.Amount = pricing.Total
			order.Payment.Method = domain.DefaultPaymentMethod(order.Delivery.Mode)
		}

		if cmd.SpecialRequests != nil {
			order.SpecialRequests = s.sanitizeText(*cmd.SpecialRequests)
		}
		if cmd.Notes != nil {
			order.Notes = s.sanitizeText(*cmd.Notes)
		}

		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.broadcaster.Broadcast(ctx, notifications.NewOrderUpdatedEvent(updated, previous, now))
	return updated, nil
}

func (s *orderService) MarkRead(ctx context.Context, orderID string) (domain.Order, error) {
	return s.setReadFlag(ctx, orderID, true)
}

func (s *orderService) MarkUnread(ctx context.Context, orderID string) (domain.Order, error) {
	return s.setReadFlag(ctx, orderID, false)
}

func (s *orderService) setReadFlag(ctx context.Context, orderID string, read bool) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var previous domain.OrderStatus
	now := s.clock()
	updated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		previous = order.Status
		order.Read = read
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.broadcaster.Broadcast(ctx, notifications.NewOrderUpdatedEvent(updated, previous, now))
	return updated, nil
}

func (s *orderService) SetEstimatedDeliveryTime(ctx context.Context, orderID string, eta time.Time) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if eta.IsZero() {
		return domain.Order{}, fmt.Errorf("%w: estimated delivery time is required", ErrOrderInvalidInput)
	}

	var previous domain.OrderStatus
	now := s.clock()
	updated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		previous = order.Status
		if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusConfirmed {
			return ErrOrderLocked
		}
		stamped := eta.UTC()
		order.EstimatedDeliveryTime = &stamped
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.broadcaster.Broadcast(ctx, notifications.NewOrderUpdatedEvent(updated, previous, now))
	return updated, nil
}

func (s *orderService) buildDelivery(mode domain.DeliveryMode, address, postcode string) (domain.Delivery, error) {
	address = s.sanitizeText(address)
	postcode = strings.ToUpper(strings.TrimSpace(postcode))

	switch mode {
	case domain.DeliveryModeDelivery:
		if address == "" {
			return domain.Delivery{}, fmt.Errorf("%w: delivery address is required", ErrOrderInvalidInput)
		}
		if postcode == "" {
			return domain.Delivery{}, fmt.Errorf("%w: delivery postcode is required", ErrOrderInvalidInput)
		}
		return domain.Delivery{Mode: mode, Address: address, Postcode: postcode}, nil
	case domain.DeliveryModeCollection:
		return domain.Delivery{Mode: mode}, nil
	default:
		return domain.Delivery{}, fmt.Errorf("%w: unknown delivery mode %q", ErrOrderInvalidInput, mode)
	}
}

func (s *orderService) buildLineItems(inputs []NewLineItemInput) ([]domain.LineItem, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}

	items := make([]domain.LineItem, 0, len(inputs))
	for i, input := range inputs {
		itemID := strings.TrimSpace(input.ItemID)
		if itemID == "" {
			return nil, fmt.Errorf("%w: item %d id is required", ErrOrderInvalidInput, i)
		}
		name := s.sanitizeText(input.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: item %d name is required", ErrOrderInvalidInput, i)
		}
		if input.Quantity < 1 {
			return nil, fmt.Errorf("%w: item %d quantity must be at least 1", ErrOrderInvalidInput, i)
		}
		if input.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: item %d unit price must not be negative", ErrOrderInvalidInput, i)
		}
		items = append(items, domain.LineItem{
			ItemID:    itemID,
			Name:      name,
			UnitPrice: input.UnitPrice,
			Quantity:  input.Quantity,
			ImageURL:  strings.TrimSpace(input.ImageURL),
		})
	}
	return items, nil
}

func (s *orderService) sanitizeText(text string) string {
	text = strings.TrimSpace(s.sanitizer.Sanitize(text))
	runes := []rune(text)
	if len(runes) > s.freeTextLimit {
		text = string(runes[:s.freeTextLimit])
	}
	return text
}

func (s *orderService) broadcastPendingCount(ctx context.Context) {
	count, err := s.orders.CountByStatus(ctx, domain.OrderStatusPending)
	if err != nil {
		s.logger(ctx, "order.pending_count_failed", map[string]any{"error": err.Error()})
		return
	}
	s.broadcaster.Broadcast(ctx, notifications.NewPendingCountEvent(count, s.clock()))
}

func (s *orderService) publishEvent(ctx context.Context, msg OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, msg); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"orderId": msg.OrderID,
			"type":    msg.Type,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return err
}

func isRepositoryConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
