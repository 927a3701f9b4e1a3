package directory

import (
	"context"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Directory answers status/rating lookups for a batch of drivers. Drivers it
// knows nothing about are omitted from the result.
type Directory interface {
	BatchStatus(ctx context.Context, driverIDs []string) ([]models.DriverStatus, error)
}

// Store is the writable side used by the booking flow and location ingest.
type Store interface {
	Directory
	SetStatus(ctx context.Context, driverID string, status models.DriverAvailability) error
	TouchLocation(ctx context.Context, loc models.DriverLocation) error
	IncrementTrips(ctx context.Context, driverID string) error
}

// MemoryStore keeps driver metadata in process.
type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverStatus
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[string]models.DriverStatus), now: time.Now}
}

// Put replaces a driver's record. Used for seeding.
func (m *MemoryStore) Put(st models.DriverStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.IsAvailable = st.Status == models.DriverAvailable
	m.drivers[st.DriverID] = st
}

func (m *MemoryStore) BatchStatus(_ context.Context, driverIDs []string) ([]models.DriverStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverStatus, 0, len(driverIDs))
	for _, id := range driverIDs {
		if st, ok := m.drivers[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, driverID string, status models.DriverAvailability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.drivers[driverID]
	st.DriverID = driverID
	st.Status = status
	st.IsAvailable = status == models.DriverAvailable
	m.drivers[driverID] = st
	return nil
}

func (m *MemoryStore) TouchLocation(_ context.Context, loc models.DriverLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.drivers[loc.DriverID]
	if !ok {
		st = models.DriverStatus{DriverID: loc.DriverID, Status: models.DriverAvailable, IsAvailable: true}
	}
	if loc.Rating > 0 {
		st.Rating = loc.Rating
	}
	st.LastLocationUpdate = reportedAt(loc, m.now)
	m.drivers[loc.DriverID] = st
	return nil
}

func (m *MemoryStore) IncrementTrips(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.drivers[driverID]
	st.DriverID = driverID
	st.CompletedTrips++
	m.drivers[driverID] = st
	return nil
}

func reportedAt(loc models.DriverLocation, now func() time.Time) time.Time {
	if loc.RecordedAt.IsZero() {
		return now()
	}
	return loc.RecordedAt
}
