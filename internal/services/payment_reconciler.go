package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	domain "github.com/tgif-kitchen/api/internal/domain"
	"github.com/tgif-kitchen/api/internal/notifications"
	"github.com/tgif-kitchen/api/internal/payments"
	"github.com/tgif-kitchen/api/internal/platform/textutil"
	"github.com/tgif-kitchen/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals bad reconciliation inputs.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrMalformedOrderID indicates the order id fails the canonical format and
	// was rejected before any gateway call.
	ErrMalformedOrderID = errors.New("payment: malformed order id")
	// ErrPaymentIntentExists indicates the order already carries a gateway
	// reference; callers must not create a second intent for the same order.
	ErrPaymentIntentExists = errors.New("payment: intent already exists")
	// ErrPaymentNoIntent indicates the order has no gateway reference to act on.
	ErrPaymentNoIntent = errors.New("payment: no intent on order")
	// ErrPaymentAmountMismatch indicates the gateway's recorded amount does not
	// match the order total.
	ErrPaymentAmountMismatch = errors.New("payment: amount mismatch")
	// ErrPaymentNotSucceeded indicates the gateway has not settled the intent.
	ErrPaymentNotSucceeded = errors.New("payment: intent not succeeded")
)

// PaymentReconcilerDeps bundles collaborators for the reconciler.
type PaymentReconcilerDeps struct {
	Orders      repositories.OrderRepository
	Gateway     payments.Gateway
	Broadcaster EventBroadcaster
	Currency    string
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	orders      repositories.OrderRepository
	gateway     payments.Gateway
	broadcaster EventBroadcaster
	currency    string
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewPaymentReconciler wires dependencies into a concrete PaymentReconciler.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment reconciler: gateway is required")
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		return nil, errors.New("payment reconciler: currency is required")
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

	return &paymentReconciler{
		orders:      deps.Orders,
		gateway:     deps.Gateway,
		broadcaster: broadcaster,
		currency:    currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (r *paymentReconciler) CreateIntent(ctx context.Context, orderID string) (PaymentIntentResult, error) {
	order, err := r.loadOrder(ctx, orderID)
	if err != nil {
		return PaymentIntentResult{}, err
	}

	if !domain.ValidOrderID(order.ID) {
		return PaymentIntentResult{}, fmt.Errorf("%w: %q", ErrMalformedOrderID, order.ID)
	}
	if order.Payment.Amount <= 0 {
		return PaymentIntentResult{}, fmt.Errorf("%w: amount must be positive", ErrPaymentInvalidInput)
	}
	if order.Payment.GatewayRef != "" {
		return PaymentIntentResult{}, fmt.Errorf("%w: %s", ErrPaymentIntentExists, order.Payment.GatewayRef)
	}

	metadata := textutil.NormalizeStringMap(map[string]string{
		"orderId":       order.ID,
		"customerEmail": maskEmail(order.Customer.Email),
		"deliveryMode":  string(order.Delivery.Mode),
		"itemCount":     strconv.Itoa(len(order.Items)),
	})

	intent, err := r.gateway.CreateIntent(ctx, payments.CreateIntentRequest{
		AmountMinor:    order.Payment.Amount.Minor(),
		Currency:       r.currency,
		Metadata:       metadata,
		IdempotencyKey: "intent-" + order.ID,
	})
	if err != nil {
		return PaymentIntentResult{}, err
	}

	now := r.clock()
	updated, err := r.orders.Mutate(ctx, order.ID, func(order *domain.Order) error {
		if order.Payment.GatewayRef != "" && order.Payment.GatewayRef != intent.ID {
			return fmt.Errorf("%w: %s", ErrPaymentIntentExists, order.Payment.GatewayRef)
		}
		order.Payment.GatewayRef = intent.ID
		order.Payment.Method = domain.PaymentMethodExternalCharge
		order.Payment.Status = paymentStatusFromIntent(intent.Status)
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return PaymentIntentResult{}, mapPaymentRepositoryError(err)
	}

	r.broadcaster.Broadcast(ctx, notifications.NewOrderUpdatedEvent(updated, updated.Status, now))
	r.logger(ctx, "payment.intent_created", map[string]any{
		"orderId":  order.ID,
		"intentId": intent.ID,
		"amount":   domain.Amount(intent.AmountMinor).String(),
	})

	return PaymentIntentResult{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
		Amount:       domain.Amount(intent.AmountMinor),
		Currency:     intent.Currency,
	}, nil
}

func (r *paymentReconciler) VerifyIntent(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := r.loadOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Payment.GatewayRef == "" {
		return domain.Order{}, ErrPaymentNoIntent
	}

	intent, err := r.gateway.RetrieveIntent(ctx, order.Payment.GatewayRef)
	if err != nil {
		return domain.Order{}, err
	}

	if intent.AmountMinor != order.Payment.Amount.Minor() {
		return domain.Order{}, fmt.Errorf("%w: gateway recorded %d, order expects %d",
			ErrPaymentAmountMismatch, intent.AmountMinor, order.Payment.Amount.Minor())
	}
	if intent.Status != payments.StatusSucceeded {
		return domain.Order{}, fmt.Errorf("%w: gateway status %q", ErrPaymentNotSucceeded, intent.Status)
	}

	now := r.clock()
	updated, err := r.orders.Mutate(ctx, order.ID, func(order *domain.Order) error {
		order.Payment.Status = domain.PaymentStatusPaid
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Order{}, mapPaymentRepositoryError(err)
	}

	r.broadcaster.Broadcast(ctx, notifications.NewOrderUpdatedEvent(updated, updated.Status, now))
	r.logger(ctx, "payment.intent_verified", map[string]any{
		"orderId":  updated.ID,
		"intentId": intent.ID,
	})

	return updated, nil
}

func (r *paymentReconciler) CancelIntent(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := r.loadOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Payment.GatewayRef == "" {
		return domain.Order{}, ErrPaymentNoIntent
	}
	if order.Payment.Status == domain.PaymentStatusPaid || order.Payment.Status == domain.PaymentStatusRefunded {
		return domain.Order{}, fmt.Errorf("%w: settled payments cannot be cancelled", ErrPaymentInvalidInput)
	}

	if _, err := r.gateway.CancelIntent(ctx, order.Payment.GatewayRef); err != nil {
		return domain.Order{}, err
	}

	// Cancelling the intent reverts the order to its cash fallback so a new
	// intent can be created later.
	now := r.clock()
	updated, err := r.orders.Mutate(ctx, order.ID, func(order *domain.Order) error {
		order.Payment.GatewayRef = ""
		order.Payment.Method = domain.DefaultPaymentMethod(order.Delivery.Mode)
		order.Payment.Status = domain.PaymentStatusPending
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Order{}, mapPaymentRepositoryError(err)
	}

	r.broadcaster.Broadcast(ctx, notifications.NewOrderUpdatedEvent(updated, updated.Status, now))
	r.logger(ctx, "payment.intent_cancelled", map[string]any{
		"orderId":  updated.ID,
		"intentId": order.Payment.GatewayRef,
	})

	return updated, nil
}

func (r *paymentReconciler) Refund(ctx context.Context, cmd RefundCommand) (RefundResult, error) {
	order, err := r.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return RefundResult{}, err
	}
	if order.Payment.GatewayRef == "" {
		return RefundResult{}, ErrPaymentNoIntent
	}
	if order.Payment.Status != domain.PaymentStatusPaid {
		return RefundResult{}, fmt.Errorf("%w: only settled payments can be refunded", ErrPaymentInvalidInput)
	}

	req := payments.RefundRequest{
		IntentID: order.Payment.GatewayRef,
		Reason:   strings.TrimSpace(cmd.Reason),
		Metadata: textutil.NormalizeStringMap(map[string]string{
			"orderId": order.ID,
		}),
	}

	fullRefund := true
	if cmd.Amount != nil {
		amount := *cmd.Amount
		if amount <= 0 {
			return RefundResult{}, fmt.Errorf("%w: refund amount must be positive", ErrPaymentInvalidInput)
		}
		if amount > order.Payment.Amount {
			return RefundResult{}, fmt.Errorf("%w: refund amount exceeds charge", ErrPaymentInvalidInput)
		}
		minor := amount.Minor()
		req.AmountMinor = &minor
		fullRefund = amount == order.Payment.Amount
	}

	refund, err := r.gateway.CreateRefund(ctx, req)
	if err != nil {
		return RefundResult{}, err
	}

	if fullRefund {
		now := r.clock()
		updated, err := r.orders.Mutate(ctx, order.ID, func(order *domain.Order) error {
			order.Payment.Status = domain.PaymentStatusRefunded
			order.UpdatedAt = now
			return nil
		})
		if err != nil {
			return RefundResult{}, mapPaymentRepositoryError(err)
		}
		r.broadcaster.Broadcast(ctx, notifications.NewOrderUpdatedEvent(updated, updated.Status, now))
	}

	r.logger(ctx, "payment.refund_created", map[string]any{
		"orderId":  order.ID,
		"refundId": refund.ID,
		"amount":   domain.Amount(refund.AmountMinor).String(),
		"full":     fullRefund,
	})

	return RefundResult{
		RefundID: refund.ID,
		Amount:   domain.Amount(refund.AmountMinor),
		Status:   refund.Status,
	}, nil
}

func (r *paymentReconciler) loadOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	order, err := r.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapPaymentRepositoryError(err)
	}
	return order, nil
}

func paymentStatusFromIntent(status payments.Status) domain.PaymentStatus {
	switch status {
	case payments.StatusSucceeded:
		return domain.PaymentStatusPaid
	case payments.StatusRequiresConfirmation:
		return domain.PaymentStatusRequiresConfirmation
	case payments.StatusCanceled:
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

func mapPaymentRepositoryError(err error) error {
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

// maskEmail hides the local part of an address so gateway metadata stays
// auditable without exposing the full contact.
func maskEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
