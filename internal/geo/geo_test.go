package geo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	a := models.Location{Lat: 10.77, Lon: 106.70}
	assert.Equal(t, 0.0, HaversineKm(a, a))
}

func TestHaversineSymmetric(t *testing.T) {
	a := models.Location{Lat: 10.77, Lon: 106.70}
	b := models.Location{Lat: 10.78, Lon: 106.69}
	assert.Equal(t, HaversineKm(a, b), HaversineKm(b, a))
	// roughly 1.55 km between these two points
	assert.InDelta(t, 1.55, HaversineKm(a, b), 0.05)
}

func TestMemoryIndexRadiusQuery(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	pickup := models.Location{Lat: 10.77, Lon: 106.70}

	require.NoError(t, idx.Upsert(ctx, "far", 10.80, 106.70))    // ~3.3 km
	require.NoError(t, idx.Upsert(ctx, "near", 10.771, 106.70))  // ~0.1 km
	require.NoError(t, idx.Upsert(ctx, "mid", 10.78, 106.70))    // ~1.1 km
	require.NoError(t, idx.Upsert(ctx, "outside", 11.5, 106.70)) // ~80 km

	hits, err := idx.RadiusQuery(ctx, pickup.Lat, pickup.Lon, 5, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "near", hits[0].DriverID)
	assert.Equal(t, "mid", hits[1].DriverID)
	assert.Equal(t, "far", hits[2].DriverID)

	limited, err := idx.RadiusQuery(ctx, pickup.Lat, pickup.Lon, 5, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryIndexEmptyIsNotAnError(t *testing.T) {
	idx := NewMemoryIndex()
	hits, err := idx.RadiusQuery(context.Background(), 0, 0, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryIndexRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Upsert(ctx, "d1", 1, 1))
	require.NoError(t, idx.Remove(ctx, "d1"))
	hits, err := idx.RadiusQuery(ctx, 1, 1, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
