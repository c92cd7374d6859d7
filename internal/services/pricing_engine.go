package services

import (
	"errors"
	"fmt"

	domain "github.com/tgif-kitchen/api/internal/domain"
)

// ErrPricingInvalidInput signals bad pricing inputs such as missing items or
// negative unit prices.
var ErrPricingInvalidInput = errors.New("pricing: invalid input")

// PricingEngineConfig carries the fixed fee schedule.
type PricingEngineConfig struct {
	DeliveryFee domain.Amount
}

// PricingEngine derives an order's money block from its line items and
// fulfilment mode. All arithmetic is integer minor units; decimal rendering
// happens only at the JSON boundary.
type PricingEngine struct {
	deliveryFee domain.Amount
}

// NewPricingEngine validates the fee schedule and returns a ready engine.
func NewPricingEngine(cfg PricingEngineConfig) (*PricingEngine, error) {
	if cfg.DeliveryFee < 0 {
		return nil, fmt.Errorf("%w: delivery fee must not be negative", ErrPricingInvalidInput)
	}
	return &PricingEngine{deliveryFee: cfg.DeliveryFee}, nil
}

// Price computes subtotal, delivery fee, and total for the given lines.
// Recomputing on unchanged inputs always yields the same result.
func (e *PricingEngine) Price(items []domain.LineItem, mode domain.DeliveryMode) (domain.Pricing, error) {
	if len(items) == 0 {
		return domain.Pricing{}, fmt.Errorf("%w: at least one line item is required", ErrPricingInvalidInput)
	}

	switch mode {
	case domain.DeliveryModeDelivery, domain.DeliveryModeCollection:
	default:
		return domain.Pricing{}, fmt.Errorf("%w: unknown delivery mode %q", ErrPricingInvalidInput, mode)
	}

	var subtotal domain.Amount
	for i, item := range items {
		if item.Quantity < 1 {
			return domain.Pricing{}, fmt.Errorf("%w: item %d quantity must be at least 1", ErrPricingInvalidInput, i)
		}
		if item.UnitPrice < 0 {
			return domain.Pricing{}, fmt.Errorf("%w: item %d unit price must not be negative", ErrPricingInvalidInput, i)
		}
		subtotal += item.UnitPrice * domain.Amount(item.Quantity)
	}

	fee := domain.Amount(0)
	if mode == domain.DeliveryModeDelivery {
		fee = e.deliveryFee
	}

	return domain.Pricing{
		Subtotal:    subtotal,
		DeliveryFee: fee,
		Total:       subtotal + fee,
	}, nil
}
