package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/observability"
)

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaReader joins group on topic. Offsets are committed explicitly
// after each message is handled.
func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// Consumer reads dispatch events, drops duplicates and routes the rest.
// Handler failures are logged and the consumer moves on.
type Consumer struct {
	reader     Reader
	router     *Router
	dedup      Deduper
	logger     *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(reader Reader, router *Router, dedup Deduper, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:     reader,
		router:     router,
		dedup:      dedup,
		logger:     logger.With("component", "event_consumer"),
		backoff:    time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.backoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("fetch failed, backing off", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.backoff

		_ = c.Process(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("commit failed", "err", err, "offset", msg.Offset, "partition", msg.Partition)
		}
	}
}

// ErrDuplicate marks an event id this consumer group already handled.
var ErrDuplicate = errors.New("duplicate event")

// Process handles a single message. Invalid messages and handler errors are
// logged and counted; the returned error is informational and the message is
// committed either way.
func (c *Consumer) Process(ctx context.Context, msg kafka.Message) error {
	ev, err := Decode(msg.Value)
	if err != nil {
		observability.EventsConsumed.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid event skipped", "err", err, "offset", msg.Offset, "partition", msg.Partition)
		return err
	}
	log := c.logger.With("event_id", ev.ID, "trip_id", ev.TripID, "type", ev.Type)

	if c.dedup != nil {
		first, err := c.dedup.FirstSeen(ctx, ev.ID)
		if err != nil {
			log.Warn("dedup unavailable, handling anyway", "err", err)
		} else if !first {
			observability.EventsConsumed.WithLabelValues("duplicate").Inc()
			log.Debug("duplicate event ignored")
			return ErrDuplicate
		}
	}

	if err := c.router.Handle(ctx, ev); err != nil {
		observability.EventsConsumed.WithLabelValues("failed").Inc()
		log.Error("event handler failed", "err", err)
		return err
	}
	observability.EventsConsumed.WithLabelValues("ok").Inc()
	return nil
}
