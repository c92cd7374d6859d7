package services

import (
	"context"
	"time"

	domain "github.com/tgif-kitchen/api/internal/domain"
	"github.com/tgif-kitchen/api/internal/notifications"
	"github.com/tgif-kitchen/api/internal/repositories"
)

// EventBroadcaster pushes committed order events to live operator streams.
// *notifications.Hub is the production implementation.
type EventBroadcaster interface {
	Broadcast(ctx context.Context, event notifications.Event)
}

// OrderEventPublisher hands committed order events to downstream consumers
// (receipt mailer, analytics) over a durable channel.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, msg OrderEventMessage) (string, error)
}

// OrderEventMessage is the durable-channel payload for one committed change.
type OrderEventMessage struct {
	Type           string        `json:"type"`
	OrderID        string        `json:"orderId"`
	PreviousStatus string        `json:"previousStatus,omitempty"`
	CurrentStatus  string        `json:"currentStatus"`
	DeliveryMode   string        `json:"deliveryMode"`
	Total          domain.Amount `json:"total"`
	OccurredAt     time.Time     `json:"occurredAt"`
}

// NewLineItemInput is one caller-supplied order line before snapshotting.
type NewLineItemInput struct {
	ItemID    string
	Name      string
	UnitPrice domain.Amount
	Quantity  int
	ImageURL  string
}

// PlaceOrderCommand captures the intake payload for a new order.
type PlaceOrderCommand struct {
	CustomerEmail   string
	CustomerPhone   string
	DeliveryMode    domain.DeliveryMode
	Address         string
	Postcode        string
	Items           []NewLineItemInput
	SpecialRequests string
	Notes           string
}

// TransitionStatusCommand requests a status change on an existing order.
type TransitionStatusCommand struct {
	OrderID    string
	Target     domain.OrderStatus
	OperatorID string
}

// UpdateOrderCommand amends an order's mutable fields. Items and delivery
// details may only change while the order is still pending.
type UpdateOrderCommand struct {
	OrderID         string
	Items           []NewLineItemInput
	DeliveryMode    *domain.DeliveryMode
	Address         *string
	Postcode        *string
	SpecialRequests *string
	Notes           *string
}

// OrderListFilter narrows a dashboard listing.
type OrderListFilter struct {
	Status     []domain.OrderStatus
	Unread     *bool
	From       *time.Time
	To         *time.Time
	Pagination domain.Pagination
}

// OrderService orchestrates order intake, lifecycle transitions, and the
// notifications they produce.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	PendingOrders(ctx context.Context, limit int) ([]domain.Order, error)
	PendingOrderCount(ctx context.Context) (int64, error)
	TransitionStatus(ctx context.Context, cmd TransitionStatusCommand) (domain.Order, error)
	UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (domain.Order, error)
	MarkRead(ctx context.Context, orderID string) (domain.Order, error)
	MarkUnread(ctx context.Context, orderID string) (domain.Order, error)
	SetEstimatedDeliveryTime(ctx context.Context, orderID string, eta time.Time) (domain.Order, error)
}

// PaymentIntentResult is returned to the client after intent creation so it
// can complete authorization with the gateway directly.
type PaymentIntentResult struct {
	IntentID     string
	ClientSecret string
	Status       string
	Amount       domain.Amount
	Currency     string
}

// RefundCommand requests a refund against an order's settled intent. A nil
// Amount refunds the full charge.
type RefundCommand struct {
	OrderID string
	Amount  *domain.Amount
	Reason  string
}

// RefundResult reports the gateway's view of an issued refund.
type RefundResult struct {
	RefundID string
	Amount   domain.Amount
	Status   string
}

// PaymentReconciler keeps an order's payment block consistent with the
// external gateway.
type PaymentReconciler interface {
	CreateIntent(ctx context.Context, orderID string) (PaymentIntentResult, error)
	VerifyIntent(ctx context.Context, orderID string) (domain.Order, error)
	CancelIntent(ctx context.Context, orderID string) (domain.Order, error)
	Refund(ctx context.Context, cmd RefundCommand) (RefundResult, error)
}

// SystemService surfaces operational health for probe endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

func repositoryFilter(filter OrderListFilter) repositories.OrderListFilter {
	return repositories.OrderListFilter{
		Status: filter.Status,
		Unread: filter.Unread,
		DateRange: domain.RangeQuery[time.Time]{
			From: filter.From,
			To:   filter.To,
		},
		Pagination: filter.Pagination,
	}
}
