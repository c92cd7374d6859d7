package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage wraps a page of results together with the continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates the lifecycle states an order moves through.
type OrderStatus string

const (
	// OrderStatusPending is the initial state of every order.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates an operator accepted the order.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusCancelled is terminal; the order will not be fulfilled.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReadyForCollection indicates a collection order awaits pickup.
	OrderStatusReadyForCollection OrderStatus = "ready_for_collection"
	// OrderStatusDelivered is terminal for delivery orders.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCollected is terminal for collection orders.
	OrderStatusCollected OrderStatus = "collected"
)

// DeliveryMode distinguishes delivery from customer collection.
type DeliveryMode string

const (
	// DeliveryModeDelivery means the kitchen delivers to the customer's address.
	DeliveryModeDelivery DeliveryMode = "delivery"
	// DeliveryModeCollection means the customer collects in person.
	DeliveryModeCollection DeliveryMode = "collection"
)

// PaymentMethod identifies how the customer settles the order.
type PaymentMethod string

const (
	// PaymentMethodCashOnDelivery settles in cash at the door.
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
	// PaymentMethodCashOnCollection settles in cash at pickup.
	PaymentMethodCashOnCollection PaymentMethod = "cash_on_collection"
	// PaymentMethodExternalCharge settles online through the payment gateway.
	PaymentMethodExternalCharge PaymentMethod = "external_charge"
)

// PaymentStatus tracks the settlement state of an order's payment.
type PaymentStatus string

const (
	// PaymentStatusPending means no settlement has happened yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid means the gateway (or cash handover) confirmed settlement.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusRefunded means a previously settled payment was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusFailed means the gateway rejected the charge attempt.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRequiresConfirmation means the gateway needs a further customer action.
	PaymentStatusRequiresConfirmation PaymentStatus = "requires_confirmation"
)

// Customer is the immutable contact snapshot taken at order creation.
type Customer struct {
	Email string
	Phone string
}

// Delivery captures the fulfilment mode and, for deliveries, the destination.
type Delivery struct {
	Mode     DeliveryMode
	Address  string
	Postcode string
}

// LineItem is a snapshot of one catalog item at the moment the order was placed.
// Later catalog changes never alter it.
type LineItem struct {
	ItemID    string
	Name      string
	UnitPrice Amount
	Quantity  int
	ImageURL  string
}

// Pricing holds the derived money fields; callers never supply these directly.
type Pricing struct {
	Subtotal    Amount
	DeliveryFee Amount
	Total       Amount
}

// Payment tracks settlement method, state, amount, and the gateway reference
// once an intent exists.
type Payment struct {
	Method     PaymentMethod
	Status     PaymentStatus
	Amount     Amount
	GatewayRef string
}

// Order is the aggregate root for a placed food order.
type Order struct {
	ID                    string
	Customer              Customer
	Delivery              Delivery
	Items                 []LineItem
	Pricing               Pricing
	Payment               Payment
	Status                OrderStatus
	SpecialRequests       string
	Notes                 string
	EstimatedDeliveryTime *time.Time
	ActualDeliveryTime    *time.Time
	Read                  bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusDelivered, OrderStatusCollected:
		return true
	}
	return false
}

// CanBeCancelled reports whether an order in this status may still be cancelled.
func (s OrderStatus) CanBeCancelled() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

// IsReadyForCollection reports whether the order is a collection order waiting
// for the customer to pick it up.
func (o Order) IsReadyForCollection() bool {
	return o.Delivery.Mode == DeliveryModeCollection && o.Status == OrderStatusReadyForCollection
}

// DefaultPaymentMethod returns the settlement method implied by the delivery mode.
func DefaultPaymentMethod(mode DeliveryMode) PaymentMethod {
	if mode == DeliveryModeCollection {
		return PaymentMethodCashOnCollection
	}
	return PaymentMethodCashOnDelivery
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
