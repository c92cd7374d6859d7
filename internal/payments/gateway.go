package payments

import (
	"context"
	"errors"
	"fmt"
)

// Status enumerates the normalised intent states this system cares about.
type Status string

const (
	// StatusPending indicates the intent is awaiting customer action or gateway processing.
	StatusPending Status = "pending"
	// StatusRequiresConfirmation indicates the gateway needs a further confirmation step.
	StatusRequiresConfirmation Status = "requires_confirmation"
	// StatusSucceeded indicates the gateway reports the charge as captured.
	StatusSucceeded Status = "succeeded"
	// StatusCanceled indicates the intent was cancelled before settlement.
	StatusCanceled Status = "canceled"
)

// CreateIntentRequest carries the payload for a new payment intent. Amounts are
// always in the gateway's integer minor units.
type CreateIntentRequest struct {
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the gateway-side record of an authorised-but-unsettled charge.
type Intent struct {
	ID           string
	ClientSecret string
	Status       Status
	AmountMinor  int64
	Currency     string
}

// RefundRequest describes a refund attempt. A nil AmountMinor refunds in full.
type RefundRequest struct {
	IntentID    string
	AmountMinor *int64
	Reason      string
	Metadata    map[string]string
}

// Refund is the gateway-side record of a completed or pending refund.
type Refund struct {
	ID          string
	AmountMinor int64
	Status      string
	Reason      string
}

// Gateway is the minimal payment-processor surface the reconciler requires.
type Gateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
	ConfirmIntent(ctx context.Context, intentID string) (Intent, error)
	CancelIntent(ctx context.Context, intentID string) (Intent, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	RetrieveRefund(ctx context.Context, refundID string) (Refund, error)
}

// ErrGateway is the sentinel matched by errors.Is for any gateway failure.
var ErrGateway = errors.New("payments: gateway error")

// GatewayError wraps a processor failure with the gateway's own diagnostics.
// The message is safe to surface to operators; it never contains credentials
// or raw card data.
type GatewayError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap exposes the underlying error.
func (e *GatewayError) Unwrap() error { return e.Err }

// Is matches the ErrGateway sentinel.
func (e *GatewayError) Is(target error) bool { return target == ErrGateway }
