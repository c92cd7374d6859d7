package notifications

import (
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/tgif-kitchen/api/internal/domain"
)

// Event type tags carried in the wire payload.
const (
	EventTypeConnected          = "connected"
	EventTypePing               = "ping"
	EventTypePendingCount       = "pending.count"
	EventTypeOrderCreated       = "order.created"
	EventTypeOrderUpdated       = "order.updated"
	EventTypeOrderStatusChanged = "order.status_changed"
)

// Event is the closed set of payloads the hub delivers. Only the variants in
// this package implement it.
type Event interface {
	EventType() string
	sealedEvent()
}

// ConnectedEvent is the handshake sent to a stream on registration.
type ConnectedEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EventType implements Event.
func (ConnectedEvent) EventType() string { return EventTypeConnected }
func (ConnectedEvent) sealedEvent()      {}

// NewConnectedEvent builds the handshake event.
func NewConnectedEvent(message string) ConnectedEvent {
	return ConnectedEvent{Type: EventTypeConnected, Message: message}
}

// PingEvent keeps an individual connection alive.
type PingEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType implements Event.
func (PingEvent) EventType() string { return EventTypePing }
func (PingEvent) sealedEvent()      {}

// NewPingEvent builds a liveness ping stamped at the given time.
func NewPingEvent(at time.Time) PingEvent {
	return PingEvent{Type: EventTypePing, Timestamp: at.UTC()}
}

// PendingCountEvent is the pending-orders snapshot sent on connect and after
// changes to the pending backlog.
type PendingCountEvent struct {
	Type      string    `json:"type"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType implements Event.
func (PendingCountEvent) EventType() string { return EventTypePendingCount }
func (PendingCountEvent) sealedEvent()      {}

// NewPendingCountEvent builds a pending-count snapshot event.
func NewPendingCountEvent(count int64, at time.Time) PendingCountEvent {
	return PendingCountEvent{Type: EventTypePendingCount, Count: count, Timestamp: at.UTC()}
}

// OrderCreatedEvent announces a newly placed order with its full payload.
type OrderCreatedEvent struct {
	Type      string    `json:"type"`
	Order     OrderView `json:"order"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType implements Event.
func (OrderCreatedEvent) EventType() string { return EventTypeOrderCreated }
func (OrderCreatedEvent) sealedEvent()      {}

// NewOrderCreatedEvent builds an order.created event.
func NewOrderCreatedEvent(order domain.Order, at time.Time) OrderCreatedEvent {
	return OrderCreatedEvent{Type: EventTypeOrderCreated, Order: NewOrderView(order), Timestamp: at.UTC()}
}

// OrderUpdatedEvent carries the full updated order plus the status it held
// before the mutation.
type OrderUpdatedEvent struct {
	Type           string    `json:"type"`
	Order          OrderView `json:"order"`
	PreviousStatus string    `json:"previousStatus"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventType implements Event.
func (OrderUpdatedEvent) EventType() string { return EventTypeOrderUpdated }
func (OrderUpdatedEvent) sealedEvent()      {}

// NewOrderUpdatedEvent builds an order.updated event.
func NewOrderUpdatedEvent(order domain.Order, previous domain.OrderStatus, at time.Time) OrderUpdatedEvent {
	return OrderUpdatedEvent{
		Type:           EventTypeOrderUpdated,
		Order:          NewOrderView(order),
		PreviousStatus: string(previous),
		Timestamp:      at.UTC(),
	}
}

// OrderStatusChangedEvent is the compact companion emitted alongside
// order.updated whenever the status actually changed.
type OrderStatusChangedEvent struct {
	Type           string    `json:"type"`
	OrderID        string    `json:"orderId"`
	NewStatus      string    `json:"newStatus"`
	PreviousStatus string    `json:"previousStatus"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventType implements Event.
func (OrderStatusChangedEvent) EventType() string { return EventTypeOrderStatusChanged }
func (OrderStatusChangedEvent) sealedEvent()      {}

// NewOrderStatusChangedEvent builds an order.status_changed event.
func NewOrderStatusChangedEvent(orderID string, next, previous domain.OrderStatus, at time.Time) OrderStatusChangedEvent {
	return OrderStatusChangedEvent{
		Type:           EventTypeOrderStatusChanged,
		OrderID:        orderID,
		NewStatus:      string(next),
		PreviousStatus: string(previous),
		Timestamp:      at.UTC(),
	}
}

// OrderView is the wire representation of an order shared by event payloads
// and the REST responses.
type OrderView struct {
	ID                    string         `json:"orderId"`
	Customer              CustomerView   `json:"customer"`
	Delivery              DeliveryView   `json:"delivery"`
	Items                 []LineItemView `json:"items"`
	Pricing               PricingView    `json:"pricing"`
	Payment               PaymentView    `json:"payment"`
	Status                string         `json:"status"`
	SpecialRequests       string         `json:"specialRequests,omitempty"`
	Notes                 string         `json:"notes,omitempty"`
	EstimatedDeliveryTime *time.Time     `json:"estimatedDeliveryTime,omitempty"`
	ActualDeliveryTime    *time.Time     `json:"actualDeliveryTime,omitempty"`
	Read                  bool           `json:"read"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

// CustomerView is the contact snapshot carried on the wire.
type CustomerView struct {
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// DeliveryView is the fulfilment block carried on the wire.
type DeliveryView struct {
	Mode     string `json:"mode"`
	Address  string `json:"address,omitempty"`
	Postcode string `json:"postcode,omitempty"`
}

// LineItemView is one order line carried on the wire.
type LineItemView struct {
	ItemID    string        `json:"itemId"`
	Name      string        `json:"name"`
	UnitPrice domain.Amount `json:"unitPrice"`
	Quantity  int           `json:"quantity"`
	ImageURL  string        `json:"imageUrl,omitempty"`
}

// PricingView is the derived money block carried on the wire.
type PricingView struct {
	Subtotal    domain.Amount `json:"subtotal"`
	DeliveryFee domain.Amount `json:"deliveryFee"`
	Total       domain.Amount `json:"total"`
}

// PaymentView is the settlement block carried on the wire.
type PaymentView struct {
	Method     string        `json:"method"`
	Status     string        `json:"status"`
	Amount     domain.Amount `json:"amount"`
	GatewayRef string        `json:"gatewayRef,omitempty"`
}

// NewOrderView converts a domain order into its wire representation.
func NewOrderView(order domain.Order) OrderView {
	items := make([]LineItemView, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, LineItemView{
			ItemID:    item.ItemID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		})
	}

	return OrderView{
		ID: order.ID,
		Customer: CustomerView{
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		Delivery: DeliveryView{
			Mode:     string(order.Delivery.Mode),
			Address:  order.Delivery.Address,
			Postcode: order.Delivery.Postcode,
		},
		Items: items,
		Pricing: PricingView{
			Subtotal:    order.Pricing.Subtotal,
			DeliveryFee: order.Pricing.DeliveryFee,
			Total:       order.Pricing.Total,
		},
		Payment: PaymentView{
			Method:     string(order.Payment.Method),
			Status:     string(order.Payment.Status),
			Amount:     order.Payment.Amount,
			GatewayRef: order.Payment.GatewayRef,
		},
		Status:                string(order.Status),
		SpecialRequests:       order.SpecialRequests,
		Notes:                 order.Notes,
		EstimatedDeliveryTime: order.EstimatedDeliveryTime,
		ActualDeliveryTime:    order.ActualDeliveryTime,
		Read:                  order.Read,
		CreatedAt:             order.CreatedAt,
		UpdatedAt:             order.UpdatedAt,
	}
}

// EncodeFrame serialises an event into a single text/event-stream frame.
func EncodeFrame(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("notifications: event is nil")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("notifications: encode %s event: %w", event.EventType(), err)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}
