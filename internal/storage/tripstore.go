package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	ErrNotFound        = errors.New("trip not found")
	ErrAlreadyExists   = errors.New("trip already exists")
	ErrVersionConflict = errors.New("trip version conflict")
)

// TripStore persists trips. Update is a compare-and-swap on Version: it
// succeeds only when the stored version equals expectVersion, and on
// success sets t.Version to expectVersion+1.
type TripStore interface {
	Create(ctx context.Context, t *models.Trip) error
	Get(ctx context.Context, id string) (*models.Trip, error)
	Update(ctx context.Context, t *models.Trip, expectVersion int64) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (m *MemoryStore) Create(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return ErrAlreadyExists
	}
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, t *models.Trip, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectVersion {
		return ErrVersionConflict
	}
	t.Version = expectVersion + 1
	m.trips[t.ID] = t.Clone()
	return nil
}
