package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tgif-kitchen/api/internal/services"
)

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	occurredAt := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	msg := services.OrderEventMessage{
		Type:           "order.status.changed",
		OrderID:        "TGIF20240615123",
		PreviousStatus: "pending",
		CurrentStatus:  "confirmed",
		DeliveryMode:   "collection",
		Total:          1698,
		OccurredAt:     occurredAt,
	}

	if _, err := publisher.PublishOrderEvent(ctx, msg); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.OrderEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != msg.OrderID || payload.CurrentStatus != msg.CurrentStatus {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "TGIF20240615123" {
		t.Fatalf("expected orderId attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["type"]; attr != "order.status.changed" {
		t.Fatalf("expected type attribute, got %q", attr)
	}
}
