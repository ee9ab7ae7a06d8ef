package publisher

import (
	"context"
	"time"

	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/segmentio/kafka-go"
)

const (
	Topic            = "order-events"
	defaultBatchSize = 100
)

// MessageWriter is the subset of *kafka.Writer the poller needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type OutboxPoller struct {
	eventTick time.Duration
	batchSize int
	repo      repository.OutboxRepository
	writer    MessageWriter
	log       logger.Logger
}

func NewKafkaWriter(brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func NewOutboxPoller(repo repository.OutboxRepository, writer MessageWriter, tick time.Duration, log logger.Logger) *OutboxPoller {
	if tick <= 0 {
		tick = time.Second
	}
	return &OutboxPoller{
		eventTick: tick,
		batchSize: defaultBatchSize,
		repo:      repo,
		writer:    writer,
		log:       log,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	defer eventTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

// processUnpublishedEvents publishes in id order and stops at the first
// failure so a single aggregate's events never overtake each other.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		p.log.Error("failed to fetch outbox events", logger.Error(err))
		return 0
	}

	published := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			p.log.Warn("failed to publish outbox event",
				logger.Int64("event_id", event.ID),
				logger.String("event_type", event.EventType),
				logger.Error(err))
			return published
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			// the event goes out again next tick; consumers dedupe on order id + status
			p.log.Error("failed to mark outbox event as processed",
				logger.Int64("event_id", event.ID),
				logger.Error(err))
			return published
		}
		published++
	}
	return published
}

func (p *OutboxPoller) publish(ctx context.Context, event *repository.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
		Time: event.CreatedAt,
	}
	return p.writer.WriteMessages(ctx, msg)
}
