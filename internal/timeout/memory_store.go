package timeout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. It is what a single-node
// deployment and the tests use.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memRecord
	procs   map[string]time.Time
	now     func() time.Time
}

type memRecord struct {
	rec     Record
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memRecord), procs: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryStore) live(tripID string) (memRecord, bool) {
	r, ok := m.records[tripID]
	if !ok {
		return memRecord{}, false
	}
	if !r.expires.IsZero() && m.now().After(r.expires) {
		delete(m.records, tripID)
		return memRecord{}, false
	}
	return r, true
}

func (m *MemoryStore) Save(_ context.Context, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := memRecord{rec: rec}
	if ttl > 0 {
		r.expires = m.now().Add(ttl)
	}
	m.records[rec.TripID] = r
	return nil
}

func (m *MemoryStore) SaveIf(_ context.Context, rec Record, ttl time.Duration, expect string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.live(rec.TripID)
	if ok != (expect != "") || (ok && cur.rec.Token != expect) {
		return false, nil
	}
	r := memRecord{rec: rec}
	if ttl > 0 {
		r.expires = m.now().Add(ttl)
	}
	m.records[rec.TripID] = r
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, tripID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live(tripID)
	return r.rec, ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tripID)
	return nil
}

func (m *MemoryStore) DeleteIf(_ context.Context, tripID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live(tripID)
	if !ok || r.rec.Token != token {
		return false, nil
	}
	delete(m.records, tripID)
	return true, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for id := range m.records {
		if r, ok := m.live(id); ok {
			out = append(out, r.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryStore) ClaimOwner(_ context.Context, tripID, token, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live(tripID)
	if !ok || r.rec.Token != token {
		return false, nil
	}
	r.rec.Owner = owner
	m.records[tripID] = r
	return true, nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[owner] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) Alive(_ context.Context, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.procs[owner]
	return ok && m.now().Before(exp), nil
}
