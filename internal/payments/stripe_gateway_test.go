package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type stubIntentAPI struct {
	newFn     func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	getFn     func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	confirmFn func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	cancelFn  func(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.newFn(params)
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.getFn(id, params)
}

func (s *stubIntentAPI) Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return s.confirmFn(id, params)
}

func (s *stubIntentAPI) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return s.cancelFn(id, params)
}

type stubRefundAPI struct {
	newFn func(params *stripe.RefundParams) (*stripe.Refund, error)
	getFn func(id string, params *stripe.RefundParams) (*stripe.Refund, error)
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	return s.newFn(params)
}

func (s *stubRefundAPI) Get(id string, params *stripe.RefundParams) (*stripe.Refund, error) {
	return s.getFn(id, params)
}

func newTestGateway(t *testing.T, intents stripePaymentIntentAPI, refunds stripeRefundAPI) *StripeGateway {
	t.Helper()
	gw, err := NewStripeGateway(StripeGatewayConfig{
		Clients: &stripeClients{intents: intents, refunds: refunds},
	})
	if err != nil {
		t.Fatalf("NewStripeGateway: %v", err)
	}
	return gw
}

func TestNewStripeGatewayRequiresAPIKey(t *testing.T) {
	if _, err := NewStripeGateway(StripeGatewayConfig{}); err == nil {
		t.Fatal("expected error without api key or clients")
	}
}

func TestCreateIntentMapsRequest(t *testing.T) {
	var captured *stripe.PaymentIntentParams
	intents := &stubIntentAPI{
		newFn: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			captured = params
			return &stripe.PaymentIntent{
				ID:           "pi_123",
				ClientSecret: "pi_123_secret",
				Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
				Amount:       3297,
				Currency:     stripe.CurrencyGBP,
			}, nil
		},
	}
	gw := newTestGateway(t, intents, &stubRefundAPI{})

	intent, err := gw.CreateIntent(context.Background(), CreateIntentRequest{
		AmountMinor:    3297,
		Currency:       "GBP",
		Metadata:       map[string]string{"orderId": "TGIF20240615001"},
		IdempotencyKey: "order-TGIF20240615001",
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if captured == nil {
		t.Fatal("params not captured")
	}
	if got := stripe.Int64Value(captured.Amount); got != 3297 {
		t.Fatalf("amount = %d, want 3297", got)
	}
	if got := stripe.StringValue(captured.Currency); got != "gbp" {
		t.Fatalf("currency = %q, want gbp", got)
	}
	if captured.Metadata["orderId"] != "TGIF20240615001" {
		t.Fatalf("metadata missing order id: %v", captured.Metadata)
	}
	if intent.ID != "pi_123" || intent.Status != StatusPending {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if intent.Currency != "GBP" {
		t.Fatalf("currency = %q, want GBP", intent.Currency)
	}
}

func TestRetrieveIntentNormalisesStatus(t *testing.T) {
	cases := []struct {
		stripeStatus stripe.PaymentIntentStatus
		want         Status
	}{
		{stripe.PaymentIntentStatusSucceeded, StatusSucceeded},
		{stripe.PaymentIntentStatusCanceled, StatusCanceled},
		{stripe.PaymentIntentStatusRequiresConfirmation, StatusRequiresConfirmation},
		{stripe.PaymentIntentStatusRequiresAction, StatusRequiresConfirmation},
		{stripe.PaymentIntentStatusProcessing, StatusPending},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, StatusPending},
	}
	for _, tc := range cases {
		intents := &stubIntentAPI{
			getFn: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return &stripe.PaymentIntent{ID: id, Status: tc.stripeStatus}, nil
			},
		}
		gw := newTestGateway(t, intents, &stubRefundAPI{})
		intent, err := gw.RetrieveIntent(context.Background(), "pi_42")
		if err != nil {
			t.Fatalf("RetrieveIntent(%s): %v", tc.stripeStatus, err)
		}
		if intent.Status != tc.want {
			t.Fatalf("status for %s = %s, want %s", tc.stripeStatus, intent.Status, tc.want)
		}
	}
}

func TestGatewayErrorsCarryStripeDiagnostics(t *testing.T) {
	intents := &stubIntentAPI{
		getFn: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "no such payment_intent"}
		},
	}
	gw := newTestGateway(t, intents, &stubRefundAPI{})

	_, err := gw.RetrieveIntent(context.Background(), "pi_missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("error should match ErrGateway: %v", err)
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("error should be *GatewayError: %v", err)
	}
	if gwErr.Code != string(stripe.ErrorCodeResourceMissing) {
		t.Fatalf("code = %q", gwErr.Code)
	}
}

func TestCreateRefundFullWhenAmountNil(t *testing.T) {
	var captured *stripe.RefundParams
	refunds := &stubRefundAPI{
		newFn: func(params *stripe.RefundParams) (*stripe.Refund, error) {
			captured = params
			return &stripe.Refund{
				ID:     "re_1",
				Amount: 3297,
				Status: stripe.RefundStatusSucceeded,
				Reason: stripe.RefundReasonRequestedByCustomer,
			}, nil
		},
	}
	gw := newTestGateway(t, &stubIntentAPI{}, refunds)

	refund, err := gw.CreateRefund(context.Background(), RefundRequest{
		IntentID: "pi_123",
		Reason:   "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("CreateRefund: %v", err)
	}
	if captured.Amount != nil {
		t.Fatal("full refund should not set an amount")
	}
	if got := stripe.StringValue(captured.PaymentIntent); got != "pi_123" {
		t.Fatalf("payment intent = %q", got)
	}
	if got := stripe.StringValue(captured.Reason); got != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("reason = %q", got)
	}
	if refund.AmountMinor != 3297 || refund.Status != "succeeded" {
		t.Fatalf("unexpected refund %+v", refund)
	}
}

func TestCreateRefundPartialAmount(t *testing.T) {
	var captured *stripe.RefundParams
	refunds := &stubRefundAPI{
		newFn: func(params *stripe.RefundParams) (*stripe.Refund, error) {
			captured = params
			return &stripe.Refund{ID: "re_2", Amount: stripe.Int64Value(params.Amount)}, nil
		},
	}
	gw := newTestGateway(t, &stubIntentAPI{}, refunds)

	amount := int64(500)
	refund, err := gw.CreateRefund(context.Background(), RefundRequest{IntentID: "pi_123", AmountMinor: &amount})
	if err != nil {
		t.Fatalf("CreateRefund: %v", err)
	}
	if got := stripe.Int64Value(captured.Amount); got != 500 {
		t.Fatalf("amount = %d, want 500", got)
	}
	if refund.AmountMinor != 500 {
		t.Fatalf("refund amount = %d", refund.AmountMinor)
	}
}
