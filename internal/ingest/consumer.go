package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer drains the location topic into an Applier. A bad or failed
// report is counted and skipped; the next report supersedes it anyway.
type Consumer struct {
	reader     Reader
	applier    *Applier
	logger     *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(r Reader, a *Applier, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, applier: a, logger: logger.With("component", "location_consumer"), backoff: time.Second, maxBackoff: 30 * time.Second}
}

func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.backoff
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read error, backing off", "err", err, "backoff", backoff)
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

		c.handle(ctx, m)
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit failed", "err", err, "offset", m.Offset)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var loc models.DriverLocation
	if err := json.Unmarshal(m.Value, &loc); err != nil {
		observability.LocationsConsumed.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid location message", "err", err, "offset", m.Offset)
		return
	}
	if err := c.applier.Apply(ctx, loc); err != nil {
		observability.LocationsConsumed.WithLabelValues("error").Inc()
		c.logger.Error("location update failed", "driver_id", loc.DriverID, "err", err)
		return
	}
	observability.LocationsConsumed.WithLabelValues("ok").Inc()
}
