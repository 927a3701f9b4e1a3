package timeout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Handler performs the expiry action for rec. Returning nil consumes the
// record; an error leaves it in place for the next sweep.
type Handler func(ctx context.Context, rec Record) error

type Config struct {
	// Grace is added to the store TTL so a record outlives its deadline long
	// enough for another process to recover it. Records overdue by more than
	// Grace are fired by whichever process sweeps them.
	Grace         time.Duration
	SweepInterval time.Duration
	FireTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{Grace: 2 * time.Minute, SweepInterval: 30 * time.Second, FireTimeout: 10 * time.Second}
}

type localTimer struct {
	token string
	timer *time.Timer
}

// Manager arms, disarms and fires per-trip deadlines. The persisted record
// is authoritative; local timers only decide when to look at it.
type Manager struct {
	store  Store
	owner  string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	timers  map[string]localTimer
	firing  map[string]struct{}
	handler Handler
	stopped bool
}

func NewManager(store Store, owner string, cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = def.FireTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Manager{
		store:  store,
		owner:  owner,
		cfg:    cfg,
		logger: logger.With("component", "timeout"),
		now:    time.Now,
		timers: make(map[string]localTimer),
		firing: make(map[string]struct{}),
	}
}

// Owner is the process tag written into records armed here.
func (m *Manager) Owner() string { return m.owner }

// SetHandler installs the expiry action. It must be called before any timer fires.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Arm persists a deadline for tripID, replacing any existing one, and
// schedules a local callback for it.
func (m *Manager) Arm(ctx context.Context, tripID string, state models.TripStatus, kind Kind, d time.Duration) (Record, error) {
	rec := m.newRecord(tripID, state, kind, d)
	if err := m.store.Save(ctx, rec, rec.Duration+m.cfg.Grace); err != nil {
		return Record{}, err
	}
	m.armed(rec)
	return rec, nil
}

// ArmIf is Arm that only replaces the record carrying token expect, or
// arms a trip with no record when expect is empty. It reports false when
// another writer changed the trip's deadline since expect was read.
func (m *Manager) ArmIf(ctx context.Context, tripID string, state models.TripStatus, kind Kind, d time.Duration, expect string) (Record, bool, error) {
	rec := m.newRecord(tripID, state, kind, d)
	ok, err := m.store.SaveIf(ctx, rec, rec.Duration+m.cfg.Grace, expect)
	if err != nil || !ok {
		return Record{}, false, err
	}
	if expect != "" {
		m.cancelLocal(tripID, expect)
	}
	m.armed(rec)
	return rec, true, nil
}

func (m *Manager) newRecord(tripID string, state models.TripStatus, kind Kind, d time.Duration) Record {
	if d < 0 {
		d = 0
	}
	return Record{
		TripID:    tripID,
		State:     state,
		Kind:      kind,
		ExpiresAt: m.now().Add(d),
		Owner:     m.owner,
		Duration:  d,
		Token:     uuid.NewString(),
	}
}

func (m *Manager) armed(rec Record) {
	m.schedule(rec)
	observability.TimeoutsArmed.WithLabelValues(string(rec.Kind)).Inc()
}

// Disarm removes the deadline of tripID. Nothing armed is not an error.
func (m *Manager) Disarm(ctx context.Context, tripID string) error {
	m.cancelLocal(tripID, "")
	return m.store.Delete(ctx, tripID)
}

// DisarmToken removes the deadline of tripID only if it is still the one
// identified by token. It reports whether anything was removed.
func (m *Manager) DisarmToken(ctx context.Context, tripID, token string) (bool, error) {
	m.cancelLocal(tripID, token)
	return m.store.DeleteIf(ctx, tripID, token)
}

// Snapshot returns the current record of tripID, if any.
func (m *Manager) Snapshot(ctx context.Context, tripID string) (Record, bool, error) {
	return m.store.Get(ctx, tripID)
}

// Restore puts back a record previously returned by Snapshot, keeping its
// token and deadline, unless tripID has been armed again since. It reports
// whether rec was put back. A record owned by this process is rescheduled
// locally.
func (m *Manager) Restore(ctx context.Context, rec Record) (bool, error) {
	ttl := rec.ExpiresAt.Sub(m.now()) + m.cfg.Grace
	if ttl <= 0 {
		ttl = m.cfg.Grace
	}
	ok, err := m.store.SaveIf(ctx, rec, ttl, "")
	if err != nil || !ok {
		return false, err
	}
	if rec.Owner == m.owner {
		m.schedule(rec)
	}
	return true, nil
}

func (m *Manager) schedule(rec Record) {
	delay := rec.ExpiresAt.Sub(m.now())
	if delay < 0 {
		delay = 0
	}
	tripID, token := rec.TripID, rec.Token

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if old, ok := m.timers[tripID]; ok {
		old.timer.Stop()
	}
	m.timers[tripID] = localTimer{token: token, timer: time.AfterFunc(delay, func() { m.fire(tripID, token) })}
}

// cancelLocal stops the local timer of tripID. An empty token matches any timer.
func (m *Manager) cancelLocal(tripID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[tripID]; ok && (token == "" || t.token == token) {
		t.timer.Stop()
		delete(m.timers, tripID)
	}
}

// pending reports whether tripID has a local timer for token or a firing in progress.
func (m *Manager) pending(tripID, token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.firing[tripID]; ok {
		return true
	}
	t, ok := m.timers[tripID]
	return ok && t.token == token
}

func (m *Manager) fire(tripID, token string) {
	m.mu.Lock()
	if t, ok := m.timers[tripID]; ok && t.token == token {
		delete(m.timers, tripID)
	}
	m.firing[tripID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.firing, tripID)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FireTimeout)
	defer cancel()

	rec, ok, err := m.store.Get(ctx, tripID)
	if err != nil {
		m.logger.Warn("timeout re-read failed, leaving for sweep", "trip_id", tripID, "err", err)
		return
	}
	if !ok || rec.Token != token || rec.Owner != m.owner {
		observability.TimeoutsFired.WithLabelValues("unknown", "stale").Inc()
		m.logger.Debug("stale timeout callback ignored", "trip_id", tripID)
		return
	}
	m.execute(ctx, rec)
}

func (m *Manager) execute(ctx context.Context, rec Record) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		m.logger.Error("timeout fired without handler", "trip_id", rec.TripID, "kind", rec.Kind)
		return
	}

	if err := h(ctx, rec); err != nil {
		observability.TimeoutsFired.WithLabelValues(string(rec.Kind), "error").Inc()
		m.logger.Error("timeout action failed, will retry on sweep", "trip_id", rec.TripID, "kind", rec.Kind, "err", err)
		return
	}
	observability.TimeoutsFired.WithLabelValues(string(rec.Kind), "ok").Inc()
	if _, err := m.store.DeleteIf(ctx, rec.TripID, rec.Token); err != nil {
		m.logger.Warn("consumed timeout not removed", "trip_id", rec.TripID, "err", err)
	}
}

// Sweep reconciles persisted records with local timers. Records of dead
// owners are adopted, records overdue by more than Grace are fired, and own
// records without a local timer (a failed firing, or a restart under the
// same owner tag) are rescheduled. It returns the number of records adopted.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	adopted := 0
	var errs []error
	for _, rec := range recs {
		if rec.Owner == m.owner {
			if !m.pending(rec.TripID, rec.Token) {
				m.schedule(rec)
			}
			continue
		}
		overdue := now.Sub(rec.ExpiresAt) > m.cfg.Grace
		if !overdue {
			alive, err := m.store.Alive(ctx, rec.Owner)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if alive {
				continue
			}
		}
		ok, err := m.store.ClaimOwner(ctx, rec.TripID, rec.Token, m.owner)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		rec.Owner = m.owner
		adopted++
		observability.TimeoutsAdopted.Inc()
		m.logger.Info("adopted orphaned timeout", "trip_id", rec.TripID, "kind", rec.Kind, "expires_at", rec.ExpiresAt, "overdue", overdue)
		m.schedule(rec)
	}
	return adopted, errors.Join(errs...)
}

// Run heartbeats and sweeps until ctx is done, then stops local timers.
// The first sweep runs immediately so a restarted process recovers at once.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	defer m.Stop()

	for {
		if err := m.store.Heartbeat(ctx, m.owner, 3*m.cfg.SweepInterval); err != nil {
			m.logger.Warn("timeout heartbeat failed", "err", err)
		}
		if n, err := m.Sweep(ctx); err != nil {
			m.logger.Warn("timeout sweep incomplete", "err", err, "adopted", n)
		} else if n > 0 {
			m.logger.Info("timeout sweep adopted records", "adopted", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stop cancels all local timers. Persisted records stay for recovery.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, t := range m.timers {
		t.timer.Stop()
		delete(m.timers, id)
	}
}
