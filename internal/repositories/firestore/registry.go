package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/tgif-kitchen/api/internal/platform/firestore"
	"github.com/tgif-kitchen/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises registry construction.
type RegistryOption func(*Registry)

// WithHealthRepository attaches the dependency-probe repository surfaced by
// the readiness endpoint.
func WithHealthRepository(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		r.health = health
	}
}

// NewRegistry constructs the Firestore repository registry.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		provider: provider,
		orders:   orders,
		counters: counters,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	return reg, nil
}

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Counters returns the counter repository.
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// Health returns the health repository, if one was attached.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
