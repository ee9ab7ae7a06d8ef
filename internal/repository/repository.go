package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrDuplicateIdempotencyKey = errors.New("order with this idempotency key already exists")

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// OrderFilter narrows ListOrders. Zero fields do not filter.
type OrderFilter struct {
	UserID   int64
	Statuses []domain.OrderStatus
	From     time.Time // inclusive, on order_date
	To       time.Time // exclusive, on order_date
	Limit    int
}

type StatusTotals struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	ListOrdersByUserID(ctx context.Context, userID int64) ([]*domain.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*domain.Order, error)
	CountOrdersByStatus(ctx context.Context) (map[domain.OrderStatus]StatusTotals, error)

	// UpdateOrderStatus persists status, dates and notes only if the stored
	// status still equals expected. A lost race is domain.ErrConcurrentUpdate.
	UpdateOrderStatus(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error
	UpdatePayment(ctx context.Context, orderID uuid.UUID, payment *domain.Payment) error

	// OrderPlaced reports whether a live order, one not cancelled, is stored
	// under the reservation reference (the order id).
	OrderPlaced(ctx context.Context, reference string) (bool, error)
	ListRestockPending(ctx context.Context, limit int) ([]*domain.Order, error)
	ClearRestockPending(ctx context.Context, orderID uuid.UUID) error
}

type AddressStore interface {
	GetAddress(ctx context.Context, userID, addressID int64) (*domain.StoredAddress, error)
}

type OutboxEvent struct {
	ID          int64
	AggregateID string
	EventType   string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

type OutboxRepository interface {
	EnqueueEvent(ctx context.Context, event *OutboxEvent) error
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}
