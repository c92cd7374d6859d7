package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/tgif-kitchen/api/internal/domain"
	"github.com/tgif-kitchen/api/internal/notifications"
	"github.com/tgif-kitchen/api/internal/payments"
	"github.com/tgif-kitchen/api/internal/platform/config"
	"github.com/tgif-kitchen/api/internal/repositories"
	"github.com/tgif-kitchen/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
// Concrete implementations are assembled via dependency injection in NewContainer.
type Services struct {
	Orders   services.OrderService
	Payments services.PaymentReconciler
	System   services.SystemService
}

// ContainerDeps carries the externally constructed collaborators the container
// wires together.
type ContainerDeps struct {
	Config       config.Config
	Repositories repositories.Registry
	Gateway      payments.Gateway
	Publisher    services.OrderEventPublisher
	Logger       func(ctx context.Context, event string, fields map[string]any)
	Clock        func() time.Time
	Build        services.BuildInfo
}

// Container wires repositories, services, and the notification hub for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Hub          *notifications.Hub
	Services     Services
}

// pendingBacklog adapts the order repository into the hub's snapshot source.
type pendingBacklog struct {
	orders repositories.OrderRepository
}

func (p pendingBacklog) PendingOrderCount(ctx context.Context) (int64, error) {
	return p.orders.CountByStatus(ctx, domain.OrderStatusPending)
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// the Firestore registry and Stripe gateway, while tests can supply in-memory
// implementations.
func NewContainer(ctx context.Context, deps ContainerDeps) (*Container, error) {
	reg := deps.Repositories
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	ordersRepo := reg.Orders()
	countersRepo := reg.Counters()
	if ordersRepo == nil || countersRepo == nil {
		return nil, errors.New("order and counter repositories are required")
	}

	hub, err := notifications.NewHub(notifications.HubDeps{
		Pending:      pendingBacklog{orders: ordersRepo},
		PingInterval: deps.Config.Notifications.PingInterval,
		Logger:       deps.Logger,
		Clock:        clock,
	})
	if err != nil {
		return nil, fmt.Errorf("build notification hub: %w", err)
	}

	pricing, err := services.NewPricingEngine(services.PricingEngineConfig{
		DeliveryFee: domain.Amount(deps.Config.Orders.DeliveryFeePence),
	})
	if err != nil {
		return nil, fmt.Errorf("build pricing engine: %w", err)
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:               ordersRepo,
		Counters:             countersRepo,
		Pricing:              pricing,
		Broadcaster:          hub,
		Events:               deps.Publisher,
		Clock:                clock,
		Logger:               deps.Logger,
		PendingSnapshotLimit: deps.Config.Notifications.PendingSnapshotLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}

	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Orders:      ordersRepo,
		Gateway:     deps.Gateway,
		Broadcaster: hub,
		Currency:    deps.Config.Orders.Currency,
		Clock:       clock,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build payment reconciler: %w", err)
	}

	svc := Services{
		Orders:   orderSvc,
		Payments: reconciler,
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = deps.Config.Security.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
		})
		if err != nil {
			return nil, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return &Container{
		Config:       deps.Config,
		Repositories: reg,
		Hub:          hub,
		Services:     svc,
	}, nil
}

// Close tears down the notification hub and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.Hub != nil {
		c.Hub.Close()
	}
	if c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}
