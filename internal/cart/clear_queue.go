package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/internal/repository"
)

const EventCartClearRequested = "CartClearRequested"

// ClearRequest asks the cleaner to empty a cart that checkout could not
// clear. Carts modified after RequestedAt are left alone.
type ClearRequest struct {
	UserID      int64     `json:"user_id"`
	OrderID     string    `json:"order_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// OutboxClearQueue records clear requests in the order outbox, so they reach
// the broker through the same poller as order events.
type OutboxClearQueue struct {
	outbox repository.OutboxRepository
}

func NewOutboxClearQueue(outbox repository.OutboxRepository) *OutboxClearQueue {
	return &OutboxClearQueue{outbox: outbox}
}

func (q *OutboxClearQueue) EnqueueCartClear(ctx context.Context, req ClearRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal cart clear request: %w", err)
	}
	err = q.outbox.EnqueueEvent(ctx, &repository.OutboxEvent{
		AggregateID: req.OrderID,
		EventType:   EventCartClearRequested,
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("enqueue cart clear: %w", err)
	}
	return nil
}
