package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/observability"
)

// Outbox publishes committed events in the background. Events of one trip
// leave in the order they were enqueued: a trip's queue is drained by a
// single worker that retries the head event until it lands, so a later
// event never overtakes a failed one. Different trips drain independently.
type Outbox struct {
	pub            Publisher
	limit          int
	publishTimeout time.Duration
	backoff        time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string][]Event
	pending int
	idle    chan struct{}
}

// NewOutbox bounds the number of unpublished events to limit.
func NewOutbox(pub Publisher, limit int, logger *slog.Logger) *Outbox {
	if limit <= 0 {
		limit = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pub:            pub,
		limit:          limit,
		publishTimeout: 5 * time.Second,
		backoff:        time.Second,
		maxBackoff:     30 * time.Second,
		logger:         logger.With("component", "outbox"),
		ctx:            ctx,
		cancel:         cancel,
		queues:         make(map[string][]Event),
	}
}

// Enqueue never blocks. It reports false when the outbox is full or closed.
func (o *Outbox) Enqueue(ev Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.Err() != nil || o.pending >= o.limit {
		return false
	}
	q, draining := o.queues[ev.TripID]
	o.queues[ev.TripID] = append(q, ev)
	o.pending++
	if !draining {
		o.wg.Add(1)
		go o.drain(ev.TripID)
	}
	return true
}

// Pending is the number of events not yet published.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// Flush waits until every enqueued event is published or ctx ends.
func (o *Outbox) Flush(ctx context.Context) error {
	for {
		o.mu.Lock()
		if o.pending == 0 {
			o.mu.Unlock()
			return nil
		}
		if o.idle == nil {
			o.idle = make(chan struct{})
		}
		idle := o.idle
		o.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Close stops the workers. Events still queued are dropped and logged.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending > 0 {
		o.logger.Warn("outbox closed with unpublished events", "pending", o.pending)
	}
}

func (o *Outbox) drain(tripID string) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		q := o.queues[tripID]
		if len(q) == 0 {
			delete(o.queues, tripID)
			o.mu.Unlock()
			return
		}
		ev := q[0]
		o.mu.Unlock()

		if !o.deliver(ev) {
			return
		}

		o.mu.Lock()
		o.queues[tripID] = o.queues[tripID][1:]
		o.pending--
		if o.pending == 0 && o.idle != nil {
			close(o.idle)
			o.idle = nil
		}
		o.mu.Unlock()
	}
}

// deliver retries ev until it is published. It returns false once the
// outbox is closed.
func (o *Outbox) deliver(ev Event) bool {
	delay := o.backoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(o.ctx, o.publishTimeout)
		err := o.pub.Publish(ctx, ev)
		cancel()
		if err == nil {
			if attempt > 1 {
				o.logger.Info("event published after retry", "event_id", ev.ID, "trip_id", ev.TripID, "type", ev.Type, "attempts", attempt)
			}
			return true
		}
		if o.ctx.Err() != nil {
			o.logger.Error("event dropped on shutdown", "event_id", ev.ID, "trip_id", ev.TripID, "type", ev.Type, "err", err)
			return false
		}
		observability.EventsRequeued.Inc()
		o.logger.Warn("event publish failed, holding trip's later events", "event_id", ev.ID, "trip_id", ev.TripID, "type", ev.Type, "err", err, "backoff", delay)
		select {
		case <-o.ctx.Done():
			o.logger.Error("event dropped on shutdown", "event_id", ev.ID, "trip_id", ev.TripID, "type", ev.Type)
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > o.maxBackoff {
			delay = o.maxBackoff
		}
	}
}
