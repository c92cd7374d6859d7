package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
	Get(id string, params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeGateway implements the Gateway interface against Stripe payment intents.
type StripeGateway struct {
	api    stripeClients
	clock  func() time.Time
	logger StripeLogger
}

// NewStripeGateway constructs a Stripe Gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api: clients,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent creates a Stripe payment intent for the given minor-unit amount.
func (g *StripeGateway) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	intent, err := g.api.intents.New(params)
	if err != nil {
		return Intent{}, wrapStripeError("stripe: create payment intent", err)
	}

	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	return stripeIntent(intent), nil
}

// RetrieveIntent fetches the current gateway state of a payment intent.
func (g *StripeGateway) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := g.api.intents.Get(intentID, params)
	if err != nil {
		return Intent{}, wrapStripeError("stripe: retrieve payment intent", err)
	}
	return stripeIntent(intent), nil
}

// ConfirmIntent confirms a payment intent server-side.
func (g *StripeGateway) ConfirmIntent(ctx context.Context, intentID string) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	intent, err := g.api.intents.Confirm(intentID, params)
	if err != nil {
		return Intent{}, wrapStripeError("stripe: confirm payment intent", err)
	}
	g.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return stripeIntent(intent), nil
}

// CancelIntent cancels an intent that has not settled.
func (g *StripeGateway) CancelIntent(ctx context.Context, intentID string) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	intent, err := g.api.intents.Cancel(intentID, params)
	if err != nil {
		return Intent{}, wrapStripeError("stripe: cancel payment intent", err)
	}
	g.logger(ctx, "payments.stripe.intent.canceled", map[string]any{
		"paymentIntent": intent.ID,
	})
	return stripeIntent(intent), nil
}

// CreateRefund refunds an intent, fully when req.AmountMinor is nil.
func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	if g == nil {
		return Refund{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
	}
	params.Context = ctx
	if req.AmountMinor != nil {
		params.Amount = stripe.Int64(*req.AmountMinor)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	refund, err := g.api.refunds.New(params)
	if err != nil {
		return Refund{}, wrapStripeError("stripe: create refund", err)
	}
	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": req.IntentID,
		"refund":        refund.ID,
		"amount":        refund.Amount,
	})
	return stripeRefund(refund), nil
}

// RetrieveRefund fetches the current state of a refund.
func (g *StripeGateway) RetrieveRefund(ctx context.Context, refundID string) (Refund, error) {
	if g == nil {
		return Refund{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.RefundParams{}
	params.Context = ctx
	refund, err := g.api.refunds.Get(refundID, params)
	if err != nil {
		return Refund{}, wrapStripeError("stripe: retrieve refund", err)
	}
	return stripeRefund(refund), nil
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusCanceled
	case stripe.PaymentIntentStatusRequiresConfirmation, stripe.PaymentIntentStatusRequiresAction:
		status = StatusRequiresConfirmation
	}

	return Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       status,
		AmountMinor:  intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
	}
}

func stripeRefund(refund *stripe.Refund) Refund {
	if refund == nil {
		return Refund{}
	}
	return Refund{
		ID:          refund.ID,
		AmountMinor: refund.Amount,
		Status:      string(refund.Status),
		Reason:      string(refund.Reason),
	}
}

func wrapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return &GatewayError{
			Op:      op,
			Code:    string(stripeErr.Code),
			Message: stripeErr.Msg,
			Err:     err,
		}
	}
	return &GatewayError{
		Op:      op,
		Message: err.Error(),
		Err:     err,
	}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
