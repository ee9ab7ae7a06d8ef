package cart

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fjod/go_cart/order-service/internal/publisher"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/segmentio/kafka-go"
)

const (
	cleanerGroupID = "order-service-cart-cleaner"

	defaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 30 * time.Second
)

// MessageReader is the subset of *kafka.Reader the cleaner needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Clearer interface {
	GetCart(ctx context.Context, userID int64) (*Cart, error)
	ClearCart(ctx context.Context, userID int64) error
}

func NewKafkaReader(brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    publisher.Topic,
		GroupID:  cleanerGroupID,
		MaxBytes: 10e6, // 10MB
	})
}

// Cleaner consumes CartClearRequested events from the order topic and
// empties the carts checkout left behind. Other event types are skipped.
type Cleaner struct {
	carts        Clearer
	reader       MessageReader
	log          logger.Logger
	retryBackoff time.Duration
}

func NewCleaner(carts Clearer, reader MessageReader, log logger.Logger) *Cleaner {
	return &Cleaner{carts: carts, reader: reader, log: log, retryBackoff: defaultRetryBackoff}
}

func (c *Cleaner) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *Cleaner) Close() error {
	return c.reader.Close()
}

// processMessage handles one message and commits it. A failed clear is
// retried in place until it succeeds or ctx is done; nothing after it is
// fetched meanwhile, so a later commit can never skip it.
func (c *Cleaner) processMessage(ctx context.Context) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.log.Warn("error reading message", logger.Error(err))
		return
	}

	if !c.handleWithRetry(ctx, m) {
		return
	}

	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.log.Warn("failed to commit message", logger.Int64("offset", m.Offset), logger.Error(err))
	}
}

// handleWithRetry reports false only when ctx ended before m was handled.
func (c *Cleaner) handleWithRetry(ctx context.Context, m kafka.Message) bool {
	backoff := c.retryBackoff
	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, m)
		if err == nil {
			return true
		}
		c.log.Error("failed to clear cart",
			logger.String("key", string(m.Key)),
			logger.Int64("offset", m.Offset),
			logger.Int("attempt", attempt),
			logger.Error(err))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

func (c *Cleaner) handle(ctx context.Context, m kafka.Message) error {
	if eventType(m) != EventCartClearRequested {
		return nil
	}

	var req ClearRequest
	if err := json.Unmarshal(m.Value, &req); err != nil || req.UserID <= 0 {
		c.log.Error("dropping malformed cart clear request", logger.Int64("offset", m.Offset))
		return nil
	}

	current, err := c.carts.GetCart(ctx, req.UserID)
	if err != nil {
		return err
	}
	if len(current.Items) == 0 {
		return nil
	}
	if current.UpdatedAt.After(req.RequestedAt) {
		c.log.Info("cart changed after checkout, not clearing",
			logger.Int64("user_id", req.UserID),
			logger.String("order_id", req.OrderID))
		return nil
	}

	if err := c.carts.ClearCart(ctx, req.UserID); err != nil {
		return err
	}
	c.log.Info("cart cleared", logger.Int64("user_id", req.UserID), logger.String("order_id", req.OrderID))
	return nil
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "event_type" {
			return string(h.Value)
		}
	}
	return ""
}
