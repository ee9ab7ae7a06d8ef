// Package service runs order placement as a saga over the inventory ledger
// and the payment gateway, and drives orders through their lifecycle.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/internal/catalog"
	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/inventory"
	"github.com/fjod/go_cart/order-service/internal/notification"
	"github.com/fjod/go_cart/order-service/internal/payment"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fjod/go_cart/order-service/internal/service"

// ProductCatalog prices cart lines.
type ProductCatalog interface {
	GetProducts(ctx context.Context, ids []int64) ([]*catalog.Product, error)
}

// CartStore is the persisted cart of a registered user.
type CartStore interface {
	GetCart(ctx context.Context, userID int64) (*cart.Cart, error)
	ClearCart(ctx context.Context, userID int64) error
}

// CartClearQueue defers clearing a cart that could not be cleared right after
// checkout.
type CartClearQueue interface {
	EnqueueCartClear(ctx context.Context, req cart.ClearRequest) error
}

type Config struct {
	Currency string

	// PlacementTimeout bounds a whole placement, payment included.
	PlacementTimeout time.Duration

	// CompensationTimeout bounds rollback work, which runs detached from the
	// caller's context.
	CompensationTimeout time.Duration
	NotifyTimeout       time.Duration

	BulkConcurrency int
	RestockAttempts int
	RestockBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.PlacementTimeout <= 0 {
		c.PlacementTimeout = 30 * time.Second
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = 10 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 5 * time.Second
	}
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = 8
	}
	if c.RestockAttempts <= 0 {
		c.RestockAttempts = 3
	}
	if c.RestockBackoff <= 0 {
		c.RestockBackoff = 50 * time.Millisecond
	}
	return c
}

type Deps struct {
	Orders    repository.OrderRepository
	Addresses repository.AddressStore
	Ledger    inventory.Ledger
	Catalog   ProductCatalog
	Carts     CartStore
	Payments  payment.Gateway
	Notifier  notification.Notifier
	Log       logger.Logger

	// CartClears is optional. Without it a failed cart clear is only logged.
	CartClears CartClearQueue
}

type OrderService struct {
	orders     repository.OrderRepository
	addresses  repository.AddressStore
	ledger     inventory.Ledger
	snapshots  *SnapshotBuilder
	carts      CartStore
	cartClears CartClearQueue
	payments   payment.Gateway
	notifier   notification.Notifier
	log        logger.Logger
	tracer     trace.Tracer
	cfg        Config
	now        func() time.Time

	notifications sync.WaitGroup
}

func NewOrderService(deps Deps, cfg Config) *OrderService {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &OrderService{
		orders:     deps.Orders,
		addresses:  deps.Addresses,
		ledger:     deps.Ledger,
		snapshots:  NewSnapshotBuilder(deps.Catalog, cfg.Currency),
		carts:      deps.Carts,
		cartClears: deps.CartClears,
		payments:   deps.Payments,
		notifier:   deps.Notifier,
		log:        log,
		tracer:     otel.Tracer(tracerName),
		cfg:        cfg,
		now:        time.Now,
	}
}

// Wait blocks until every in-flight notification has finished.
func (s *OrderService) Wait() {
	s.notifications.Wait()
}

// detached returns a context that survives cancellation of ctx but is still
// bounded by timeout.
func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (s *OrderService) notifyConfirmation(ctx context.Context, order *domain.Order) {
	if s.notifier == nil {
		return
	}
	snapshot := *order
	s.notify(ctx, "confirmation", &snapshot, func(nctx context.Context) error {
		return s.notifier.SendOrderConfirmation(nctx, &snapshot)
	})
}

func (s *OrderService) notifyStatusChange(ctx context.Context, order *domain.Order, previous domain.OrderStatus) {
	if s.notifier == nil {
		return
	}
	snapshot := *order
	s.notify(ctx, "status update", &snapshot, func(nctx context.Context) error {
		return s.notifier.SendOrderStatusUpdate(nctx, &snapshot, previous)
	})
}

func (s *OrderService) notify(ctx context.Context, kind string, order *domain.Order, send func(context.Context) error) {
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		nctx, cancel := detached(ctx, s.cfg.NotifyTimeout)
		defer cancel()
		if err := send(nctx); err != nil {
			s.log.WithContext(ctx).Warn("order notification failed",
				logger.String("kind", kind),
				logger.String("order_id", order.ID.String()),
				logger.Error(err))
		}
	}()
}
