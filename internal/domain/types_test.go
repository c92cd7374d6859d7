package domain

import "testing"

func TestOrderStatusIsTerminal(t *testing.T) {
	terminal := map[OrderStatus]bool{
		OrderStatusPending:            false,
		OrderStatusConfirmed:          false,
		OrderStatusCancelled:          true,
		OrderStatusReadyForCollection: false,
		OrderStatusDelivered:          true,
		OrderStatusCollected:          true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Fatalf("IsTerminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestOrderStatusCanBeCancelled(t *testing.T) {
	cancellable := map[OrderStatus]bool{
		OrderStatusPending:            true,
		OrderStatusConfirmed:          true,
		OrderStatusCancelled:          false,
		OrderStatusReadyForCollection: false,
		OrderStatusDelivered:          false,
		OrderStatusCollected:          false,
	}
	for status, want := range cancellable {
		if got := status.CanBeCancelled(); got != want {
			t.Fatalf("CanBeCancelled(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestOrderIsReadyForCollection(t *testing.T) {
	order := Order{
		Delivery: Delivery{Mode: DeliveryModeCollection},
		Status:   OrderStatusReadyForCollection,
	}
	if !order.IsReadyForCollection() {
		t.Fatal("collection order awaiting pickup should report ready")
	}

	order.Status = OrderStatusConfirmed
	if order.IsReadyForCollection() {
		t.Fatal("confirmed order should not report ready for collection")
	}

	order.Status = OrderStatusReadyForCollection
	order.Delivery.Mode = DeliveryModeDelivery
	if order.IsReadyForCollection() {
		t.Fatal("delivery order should never report ready for collection")
	}
}
