package repositories

import (
	"context"
	"time"

	domain "github.com/tgif-kitchen/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order aggregates and provides the query helpers the
// kitchen dashboard needs.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// Mutate loads the order inside a transaction, applies fn to the loaded
	// snapshot, and persists the result atomically. fn returning an error
	// aborts the transaction without writing.
	Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	CountByStatus(ctx context.Context, status domain.OrderStatus) (int64, error)
	ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)
}

// CounterRepository provides transaction-safe sequence numbers. Order creation
// uses one counter per calendar day to allocate identifier disambiguators.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows and paginates order listings.
type OrderListFilter struct {
	Status     []domain.OrderStatus
	Unread     *bool
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
