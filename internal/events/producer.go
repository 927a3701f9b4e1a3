package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Publisher publishes one event synchronously. An error means the event was
// not accepted by the bus and may be retried.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes events keyed by trip id so a trip's events share a
// partition and keep their order.
type KafkaProducer struct {
	writer   messageWriter
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireAll),
		BatchTimeout: 10 * time.Millisecond,
	})
	return newKafkaProducer(w, logger)
}

func newKafkaProducer(w messageWriter, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaProducer{writer: w, attempts: 3, backoff: 100 * time.Millisecond, logger: logger}
}

func (k *KafkaProducer) Publish(ctx context.Context, ev Event) error {
	b, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	msg := kafka.Message{
		Key:   ev.Key(),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	}

	delay := k.backoff
	for attempt := 1; ; attempt++ {
		err = k.writer.WriteMessages(ctx, msg)
		if err == nil {
			observability.EventsPublished.WithLabelValues(string(ev.Type), "ok").Inc()
			return nil
		}
		if attempt >= k.attempts || ctx.Err() != nil {
			break
		}
		k.logger.Warn("event publish failed, retrying", "event_id", ev.ID, "trip_id", ev.TripID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		delay *= 2
	}
	observability.EventsPublished.WithLabelValues(string(ev.Type), "error").Inc()
	return models.Unavailable("event bus", err)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// EnsureTopic creates topic if the broker does not have it yet.
func EnsureTopic(ctx context.Context, broker, topic string, partitions int) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return models.Unavailable("event bus", err)
	}
	defer conn.Close()
	return conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: partitions, ReplicationFactor: 1})
}
