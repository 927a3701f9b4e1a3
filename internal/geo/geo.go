package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// Hit is one radius query result.
type Hit struct {
	DriverID   string
	DistanceKm float64
	Lat        float64
	Lon        float64
}

// Index is the spatial index used for driver discovery.
// RadiusQuery returns hits sorted ascending by distance.
type Index interface {
	Upsert(ctx context.Context, driverID string, lat, lon float64) error
	Remove(ctx context.Context, driverID string) error
	RadiusQuery(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]Hit, error)
}

type point struct{ lat, lon float64 }

// MemoryIndex is an in-process Index for local runs and tests.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]point
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]point)}
}

func (g *MemoryIndex) Upsert(_ context.Context, driverID string, lat, lon float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = point{lat: lat, lon: lon}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// RadiusQuery does a full scan; fine for the volumes a single process sees.
func (g *MemoryIndex) RadiusQuery(_ context.Context, lat, lon, radiusKm float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	origin := models.Location{Lat: lat, Lon: lon}
	arr := make([]Hit, 0, len(g.drivers))
	for id, p := range g.drivers {
		dist := HaversineKm(origin, models.Location{Lat: p.lat, Lon: p.lon})
		if dist > radiusKm {
			continue
		}
		arr = append(arr, Hit{DriverID: id, DistanceKm: dist, Lat: p.lat, Lon: p.lon})
	}
	n := len(arr)
	if limit > 0 && limit < n {
		n = limit
	}
	// partial selection sort for the nearest n; ids break ties so map order never leaks out
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if closer(arr[j], arr[minIdx]) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

func closer(a, b Hit) bool {
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.DriverID < b.DriverID
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between a and b in kilometres.
func HaversineKm(a, b models.Location) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
