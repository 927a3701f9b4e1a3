package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/timeout"
)

// Update carries the caller-supplied fields of a transition.
type Update struct {
	// From, when set, requires the trip to be in this state. Timeouts use
	// it so a deadline only acts on the state it guarded.
	From        models.TripStatus
	DriverID    string
	FinalFare   *float64
	Reason      string
	CancelledBy string
	Metadata    map[string]any
}

// conflictRetries bounds how often a transition re-reads the trip after
// losing a version race to another writer.
const conflictRetries = 3

// Machine applies validated transitions to persisted trips. Transitions on
// one trip are serialised by an in-process lock and, across processes, by
// the store's version check.
type Machine struct {
	store    storage.TripStore
	timeouts *timeout.Manager
	outbox   *events.Outbox
	policy   Policy
	locks    keyedMutex
	now      func() time.Time
	logger   *slog.Logger
}

// outboxLimit bounds committed events awaiting publication.
const outboxLimit = 4096

// NewMachine builds a machine and installs it as the expiry handler of tm.
// Events are published in the background through an outbox on pub; a nil
// pub disables events.
func NewMachine(store storage.TripStore, tm *timeout.Manager, pub events.Publisher, policy Policy, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		store:    store,
		timeouts: tm,
		policy:   policy,
		now:      time.Now,
		logger:   logger.With("component", "trip"),
	}
	if pub != nil {
		m.outbox = events.NewOutbox(pub, outboxLimit, logger)
	}
	tm.SetHandler(m.Expire)
	return m
}

// Flush waits until every committed event has been published or ctx ends.
func (m *Machine) Flush(ctx context.Context) error {
	if m.outbox == nil {
		return nil
	}
	return m.outbox.Flush(ctx)
}

// Close stops background publication. Events not yet published are dropped.
func (m *Machine) Close() {
	if m.outbox != nil {
		m.outbox.Close()
	}
}

// Create stores a new trip in REQUESTED. No event is emitted; the first
// event of a trip is TRIP_REQUESTED on entering SEARCHING.
func (m *Machine) Create(ctx context.Context, t *models.Trip) error {
	now := m.now()
	t.Status = models.StatusRequested
	t.Version = 0
	if t.RequestedAt.IsZero() {
		t.RequestedAt = now
	}
	t.UpdatedAt = now
	return m.store.Create(ctx, t)
}

func (m *Machine) Get(ctx context.Context, tripID string) (*models.Trip, error) {
	return m.store.Get(ctx, tripID)
}

// Transition moves tripID to target. On success the committed trip is
// returned and exactly one event is queued for it. Publication happens in
// the background; events of one trip leave in commit order.
func (m *Machine) Transition(ctx context.Context, tripID string, target models.TripStatus, u Update) (*models.Trip, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown target %q", ErrInvalidTransition, target)
	}
	var (
		t   *models.Trip
		ev  events.Event
		err error
	)
	for attempt := 0; attempt < conflictRetries; attempt++ {
		unlock := m.locks.Lock(tripID)
		t, ev, err = m.transitionLocked(ctx, tripID, target, u)
		if err == nil {
			m.emit(ev)
		}
		unlock()
		if !errors.Is(err, storage.ErrVersionConflict) {
			break
		}
		m.logger.Debug("version conflict, re-reading trip", "trip_id", tripID, "target", target, "attempt", attempt+1)
	}
	switch {
	case err == nil:
		observability.TransitionsTotal.WithLabelValues(string(target), "ok").Inc()
	case errors.Is(err, ErrInvalidTransition):
		observability.TransitionsTotal.WithLabelValues(string(target), "invalid").Inc()
		return nil, err
	default:
		observability.TransitionsTotal.WithLabelValues(string(target), "error").Inc()
		return nil, err
	}

	m.logger.Info("trip transitioned", "trip_id", tripID, "state", target, "version", t.Version)
	return t, nil
}

func (m *Machine) transitionLocked(ctx context.Context, tripID string, target models.TripStatus, u Update) (*models.Trip, events.Event, error) {
	cur, err := m.store.Get(ctx, tripID)
	if err != nil {
		return nil, events.Event{}, err
	}
	if u.From != "" && cur.Status != u.From {
		return nil, events.Event{}, invalid(cur, target)
	}
	if !CanTransition(cur.Status, target) {
		return nil, events.Event{}, invalid(cur, target)
	}
	if target == models.StatusAccepted && u.DriverID == "" {
		return nil, events.Event{}, ErrDriverRequired
	}

	now := m.now()
	next := cur.Clone()
	meta := apply(next, target, now, u)

	prevRec, err := m.snapshot(ctx, tripID)
	if err != nil {
		return nil, events.Event{}, err
	}
	var armed string
	if kind, d, ok := m.policy.guard(target, prevRec, now); ok {
		armed, err = m.replaceDeadline(ctx, tripID, target, kind, d, prevRec)
	} else {
		err = m.clearDeadline(ctx, prevRec)
	}
	if err != nil {
		return nil, events.Event{}, err
	}

	if err := m.store.Update(ctx, next, cur.Version); err != nil {
		m.compensate(ctx, tripID, prevRec, armed)
		return nil, events.Event{}, err
	}

	typ, _ := events.ForTransition(target)
	return next, events.New(typ, next, now, meta), nil
}

func (m *Machine) snapshot(ctx context.Context, tripID string) (*timeout.Record, error) {
	rec, ok, err := m.timeouts.Snapshot(ctx, tripID)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// replaceDeadline arms a deadline in place of prev and returns its token.
// A deadline changed by another writer since the snapshot means the trip
// changed too, so it is reported as a version conflict.
func (m *Machine) replaceDeadline(ctx context.Context, tripID string, state models.TripStatus, kind timeout.Kind, d time.Duration, prev *timeout.Record) (string, error) {
	var expect string
	if prev != nil {
		expect = prev.Token
	}
	rec, ok, err := m.timeouts.ArmIf(ctx, tripID, state, kind, d, expect)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", storage.ErrVersionConflict
	}
	return rec.Token, nil
}

// clearDeadline removes prev unless another writer already replaced it.
func (m *Machine) clearDeadline(ctx context.Context, prev *timeout.Record) error {
	if prev == nil {
		return nil
	}
	_, err := m.timeouts.DisarmToken(ctx, prev.TripID, prev.Token)
	return err
}

// compensate undoes the timeout side effects of a transition that did not
// commit. Only the deadline this attempt armed is removed, and prev comes
// back only if no other writer has armed one since.
func (m *Machine) compensate(ctx context.Context, tripID string, prev *timeout.Record, armed string) {
	if armed != "" {
		if _, err := m.timeouts.DisarmToken(ctx, tripID, armed); err != nil {
			m.logger.Error("compensation disarm failed", "trip_id", tripID, "err", err)
		}
	}
	if prev != nil {
		restored, err := m.timeouts.Restore(ctx, *prev)
		if err != nil {
			m.logger.Error("compensation restore failed", "trip_id", tripID, "kind", prev.Kind, "err", err)
		} else if !restored {
			m.logger.Debug("newer deadline kept over snapshot", "trip_id", tripID, "kind", prev.Kind)
		}
	}
}

// apply stamps target's fields onto t and returns the event metadata.
func apply(t *models.Trip, target models.TripStatus, at time.Time, u Update) map[string]any {
	meta := map[string]any{}
	for k, v := range u.Metadata {
		meta[k] = v
	}
	t.Status = target
	t.UpdatedAt = at
	ts := at
	switch target {
	case models.StatusSearching:
		t.SearchingAt = &ts
	case models.StatusAccepted:
		t.AcceptedAt = &ts
		t.DriverID = u.DriverID
	case models.StatusDriverArriving:
		t.ArrivingAt = &ts
	case models.StatusPickedUp:
		t.PickedUpAt = &ts
	case models.StatusInProgress:
		t.StartedAt = &ts
	case models.StatusCompleted:
		t.CompletedAt = &ts
		fare := t.EstimatedFare
		if u.FinalFare != nil {
			fare = *u.FinalFare
		}
		t.FinalFare = &fare
		if u.Reason != "" {
			meta["reason"] = u.Reason
		}
	case models.StatusCancelled:
		t.CancelledAt = &ts
		t.CancelReason = u.Reason
		if t.CancelReason == "" {
			t.CancelReason = "cancelled"
		}
		t.CancelledBy = u.CancelledBy
		meta["reason"] = t.CancelReason
		if t.CancelledBy != "" {
			meta["cancelledBy"] = t.CancelledBy
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// MarkDriverArrived records that the driver is at the pickup point. The
// trip stays in DRIVER_ARRIVING; the arrival deadline is replaced by the
// pickup-wait deadline.
func (m *Machine) MarkDriverArrived(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	unlock := m.locks.Lock(tripID)
	t, ev, changed, err := m.markArrivedLocked(ctx, tripID, driverID)
	if err == nil && changed {
		m.emit(ev)
	}
	unlock()
	if err != nil || !changed {
		return t, err
	}
	m.logger.Info("driver arrived", "trip_id", tripID, "driver_id", driverID)
	return t, nil
}

func (m *Machine) markArrivedLocked(ctx context.Context, tripID, driverID string) (*models.Trip, events.Event, bool, error) {
	cur, err := m.store.Get(ctx, tripID)
	if err != nil {
		return nil, events.Event{}, false, err
	}
	if cur.Status != models.StatusDriverArriving {
		return nil, events.Event{}, false, refused(cur, "mark driver arrived on")
	}
	if driverID != "" && driverID != cur.DriverID {
		return nil, events.Event{}, false, ErrDriverMismatch
	}
	if cur.DriverArrivedAt != nil {
		return cur, events.Event{}, false, nil
	}

	now := m.now()
	next := cur.Clone()
	next.DriverArrivedAt = &now
	next.UpdatedAt = now

	prevRec, err := m.snapshot(ctx, tripID)
	if err != nil {
		return nil, events.Event{}, false, err
	}
	var armed string
	if m.policy.PickupWait > 0 {
		armed, err = m.replaceDeadline(ctx, tripID, models.StatusDriverArriving, timeout.KindPickupWait, m.policy.PickupWait, prevRec)
		if err != nil {
			return nil, events.Event{}, false, err
		}
	}
	if err := m.store.Update(ctx, next, cur.Version); err != nil {
		if armed != "" {
			m.compensate(ctx, tripID, prevRec, armed)
		}
		return nil, events.Event{}, false, err
	}
	return next, events.New(events.TripDriverArrived, next, now, nil), true, nil
}

// SubmitRating stores the rider's rating of a completed trip. A trip is rated once.
func (m *Machine) SubmitRating(ctx context.Context, tripID string, rating int, comment string) (*models.Trip, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	unlock := m.locks.Lock(tripID)
	cur, err := m.store.Get(ctx, tripID)
	if err != nil {
		unlock()
		return nil, err
	}
	if cur.Status != models.StatusCompleted {
		unlock()
		return nil, refused(cur, "rate")
	}
	if cur.Rating != nil {
		unlock()
		return nil, ErrAlreadyRated
	}
	now := m.now()
	next := cur.Clone()
	next.Rating = &rating
	next.Comment = comment
	next.UpdatedAt = now
	err = m.store.Update(ctx, next, cur.Version)
	if err == nil {
		m.emit(events.New(events.TripRatingSubmitted, next, now, map[string]any{"rating": rating, "comment": comment}))
	}
	unlock()
	if errors.Is(err, storage.ErrVersionConflict) {
		return nil, ErrAlreadyRated
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

// AnnounceCandidates publishes the ranked drivers offered a searching trip.
// The trip itself does not change.
func (m *Machine) AnnounceCandidates(ctx context.Context, tripID string, cands []models.DriverCandidate, radiusKm float64) error {
	unlock := m.locks.Lock(tripID)
	defer unlock()
	t, err := m.store.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if t.Status != models.StatusSearching {
		return refused(t, "offer")
	}
	refs := make([]events.CandidateRef, 0, len(cands))
	for _, c := range cands {
		refs = append(refs, events.CandidateRef{DriverID: c.DriverID, DistanceKm: c.DistanceKm, Score: c.Score})
	}
	m.emit(events.New(events.TripDriverAssigned, t, m.now(), map[string]any{"candidates": refs, "radiusKm": radiusKm}))
	return nil
}

// Expire is the timeout handler. A deadline whose trip already moved on is
// stale and consumed without error.
func (m *Machine) Expire(ctx context.Context, rec timeout.Record) error {
	target, reason := expiry(rec.Kind)
	if target == "" {
		m.logger.Error("timeout of unknown kind dropped", "trip_id", rec.TripID, "kind", rec.Kind)
		return nil
	}
	_, err := m.Transition(ctx, rec.TripID, target, Update{From: rec.State, Reason: reason, CancelledBy: "system"})
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
		m.logger.Debug("stale timeout", "trip_id", rec.TripID, "kind", rec.Kind, "err", err)
		return nil
	}
	if err == nil {
		m.logger.Info("timeout expired trip", "trip_id", rec.TripID, "kind", rec.Kind, "state", target, "reason", reason)
	}
	return err
}

// emit queues ev for publication. Callers hold the trip lock so a trip's
// events enter the outbox in commit order. A full outbox drops the event;
// the committed state change stands.
func (m *Machine) emit(ev events.Event) {
	if m.outbox == nil {
		return
	}
	if !m.outbox.Enqueue(ev) {
		observability.EventsPublished.WithLabelValues(string(ev.Type), "dropped").Inc()
		m.logger.Error("event dropped, outbox full", "event_id", ev.ID, "trip_id", ev.TripID, "type", ev.Type)
	}
}
