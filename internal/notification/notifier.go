package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/shopspring/decimal"
)

const (
	EventOrderConfirmed     = "OrderConfirmed"
	EventOrderStatusChanged = "OrderStatusChanged"
)

// Notifier tells customers about their orders. Delivery is best effort;
// callers log failures and move on.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, order *domain.Order) error
	SendOrderStatusUpdate(ctx context.Context, order *domain.Order, previous domain.OrderStatus) error
}

type OrderEvent struct {
	OrderID        string             `json:"order_id"`
	UserID         int64              `json:"user_id,omitempty"`
	Email          string             `json:"email,omitempty"`
	Status         domain.OrderStatus `json:"status"`
	PreviousStatus domain.OrderStatus `json:"previous_status,omitempty"`
	TotalAmount    decimal.Decimal    `json:"total_amount"`
	Currency       string             `json:"currency"`
	ItemCount      int32              `json:"item_count"`
	PaymentStatus  string             `json:"payment_status,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// OutboxNotifier stores notifications as outbox events; the publisher ships
// them to the broker.
type OutboxNotifier struct {
	outbox repository.OutboxRepository
	now    func() time.Time
}

func NewOutboxNotifier(outbox repository.OutboxRepository) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox, now: time.Now}
}

func (n *OutboxNotifier) SendOrderConfirmation(ctx context.Context, order *domain.Order) error {
	return n.enqueue(ctx, EventOrderConfirmed, order, "")
}

func (n *OutboxNotifier) SendOrderStatusUpdate(ctx context.Context, order *domain.Order, previous domain.OrderStatus) error {
	return n.enqueue(ctx, EventOrderStatusChanged, order, previous)
}

func (n *OutboxNotifier) enqueue(ctx context.Context, eventType string, order *domain.Order, previous domain.OrderStatus) error {
	ev := OrderEvent{
		OrderID:        order.ID.String(),
		UserID:         order.UserID,
		Email:          order.CustomerEmail(),
		Status:         order.Status,
		PreviousStatus: previous,
		TotalAmount:    order.TotalAmount,
		Currency:       order.Currency,
		ItemCount:      order.ItemCount(),
		OccurredAt:     n.now().UTC(),
	}
	if order.Payment != nil {
		ev.PaymentStatus = string(order.Payment.Status)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	err = n.outbox.EnqueueEvent(ctx, &repository.OutboxEvent{
		AggregateID: ev.OrderID,
		EventType:   eventType,
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s event: %w", eventType, err)
	}
	return nil
}
