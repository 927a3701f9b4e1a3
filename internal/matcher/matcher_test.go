package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

type fakeGeo struct {
	hits []geo.Hit
	err  error
}

func (f *fakeGeo) Upsert(context.Context, string, float64, float64) error { return nil }
func (f *fakeGeo) Remove(context.Context, string) error                   { return nil }
func (f *fakeGeo) RadiusQuery(_ context.Context, _, _, _ float64, limit int) ([]geo.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

type fakeDirectory struct {
	statuses []models.DriverStatus
	err      error
}

func (f *fakeDirectory) BatchStatus(context.Context, []string) ([]models.DriverStatus, error) {
	return f.statuses, f.err
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(g geo.Index, d *fakeDirectory) *Service {
	s := NewService(g, nil, DefaultConfig(), nil)
	if d != nil {
		s.Directory = d
	}
	s.Now = func() time.Time { return fixedNow }
	return s
}

func TestLoneCandidateScenario(t *testing.T) {
	g := &fakeGeo{hits: []geo.Hit{{DriverID: "d1", DistanceKm: 0.8, Lat: 10.771, Lon: 106.701}}}
	d := &fakeDirectory{statuses: []models.DriverStatus{{
		DriverID: "d1", Status: models.DriverAvailable, IsAvailable: true,
		Rating: 4.8, CompletedTrips: 120, LastLocationUpdate: fixedNow.Add(-10 * time.Second),
	}}}
	s := newTestService(g, d)

	res, err := s.GetOptimalDrivers(context.Background(), models.TripRequest{
		RiderID:     "r1",
		Pickup:      models.Location{Lat: 10.77, Lon: 106.70},
		Destination: models.Location{Lat: 10.78, Lon: 106.69},
	})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	c := res.Candidates[0]
	assert.Equal(t, "d1", c.DriverID)
	assert.True(t, c.Verified)
	assert.InDelta(t, 40, c.Breakdown.Distance, 1e-9)
	assert.InDelta(t, 33.6, c.Breakdown.Rating, 1e-9)
	assert.InDelta(t, 15, c.Breakdown.Experience, 1e-9)
	assert.InDelta(t, 10, c.Breakdown.Recency, 1e-9)
	assert.InDelta(t, 98.6, c.Score, 1e-9)
	assert.Equal(t, 5.0, res.RadiusKm)
}

func TestRankOrdersAndBounds(t *testing.T) {
	cands := []models.DriverCandidate{
		{DriverID: "near-low", DistanceKm: 0.5, Rating: 3.0, CompletedTrips: 10, LastLocationUpdate: fixedNow.Add(-400 * time.Second)},
		{DriverID: "mid-high", DistanceKm: 1.0, Rating: 5.0, CompletedTrips: 200, LastLocationUpdate: fixedNow.Add(-5 * time.Second)},
		{DriverID: "far-mid", DistanceKm: 2.0, Rating: 4.0, CompletedTrips: 50, LastLocationUpdate: fixedNow.Add(-100 * time.Second)},
	}
	ranked := Rank(cands, fixedNow, 5)
	require.Len(t, ranked, 3)
	assert.Equal(t, "mid-high", ranked[0].DriverID)
	for i := range ranked {
		assert.GreaterOrEqual(t, ranked[i].Score, 0.0)
		assert.LessOrEqual(t, ranked[i].Score, 100.0)
		if i > 0 {
			assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
		}
	}
	// the farthest candidate gets no distance credit
	for _, c := range ranked {
		if c.DriverID == "far-mid" {
			assert.Equal(t, 0.0, c.Breakdown.Distance)
			assert.Equal(t, 5.0, c.Breakdown.Recency)
		}
	}

	assert.Len(t, Rank(cands, fixedNow, 2), 2)
}

func TestRankIsDeterministic(t *testing.T) {
	cands := []models.DriverCandidate{
		{DriverID: "a", DistanceKm: 1.2, Rating: 4.1, CompletedTrips: 7},
		{DriverID: "b", DistanceKm: 0.3, Rating: 4.9, CompletedTrips: 70},
		{DriverID: "c", DistanceKm: 2.4, Rating: 3.3, CompletedTrips: 0},
	}
	first := Rank(cands, fixedNow, 5)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Rank(cands, fixedNow, 5))
	}
	assert.Equal(t, "a", cands[0].DriverID, "input must not be reordered")
}

func TestRankTiesKeepDistanceOrder(t *testing.T) {
	cands := []models.DriverCandidate{
		{DriverID: "second", DistanceKm: 1.0, Rating: 4.0},
		{DriverID: "first", DistanceKm: 1.0, Rating: 4.0},
	}
	ranked := Rank(cands, fixedNow, 5)
	require.Len(t, ranked, 2)
	assert.Equal(t, ranked[0].Score, ranked[1].Score)
	assert.Equal(t, "second", ranked[0].DriverID)
}

func TestRankZeroTripsGivesNoExperience(t *testing.T) {
	ranked := Rank([]models.DriverCandidate{
		{DriverID: "a", DistanceKm: 1},
		{DriverID: "b", DistanceKm: 2},
	}, fixedNow, 5)
	for _, c := range ranked {
		assert.Equal(t, 0.0, c.Breakdown.Experience)
	}
}

func TestRankEmpty(t *testing.T) {
	assert.Empty(t, Rank(nil, fixedNow, 5))
}

func TestFindNearbyDriversEmpty(t *testing.T) {
	s := newTestService(&fakeGeo{}, nil)
	cands, err := s.FindNearbyDrivers(context.Background(), models.Location{}, 5, 10)
	require.NoError(t, err)
	assert.NotNil(t, cands)
	assert.Empty(t, cands)
}

func TestGetOptimalDriversNoDrivers(t *testing.T) {
	s := newTestService(&fakeGeo{}, nil)
	res, err := s.GetOptimalDrivers(context.Background(), models.TripRequest{})
	assert.ErrorIs(t, err, ErrNoDriversAvailable)
	assert.Empty(t, res.Candidates)
}

func TestDirectoryFailureDegrades(t *testing.T) {
	g := &fakeGeo{hits: []geo.Hit{{DriverID: "d1", DistanceKm: 0.4}, {DriverID: "d2", DistanceKm: 0.9}}}
	s := newTestService(g, &fakeDirectory{err: models.Unavailable("directory", errors.New("timeout"))})

	res, err := s.GetOptimalDrivers(context.Background(), models.TripRequest{})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	for _, c := range res.Candidates {
		assert.False(t, c.Verified)
	}
	assert.Equal(t, "d1", res.Candidates[0].DriverID)
}

func TestUnavailableDriversAreDropped(t *testing.T) {
	g := &fakeGeo{hits: []geo.Hit{{DriverID: "busy", DistanceKm: 0.1}, {DriverID: "free", DistanceKm: 0.5}}}
	d := &fakeDirectory{statuses: []models.DriverStatus{
		{DriverID: "busy", Status: models.DriverBusy},
		{DriverID: "free", Status: models.DriverAvailable, IsAvailable: true, Rating: 4.2},
	}}
	s := newTestService(g, d)

	res, err := s.GetOptimalDrivers(context.Background(), models.TripRequest{})
	require.NoError(t, err)
	require.Equal(t, []string{"free"}, res.DriverIDs())

	d.statuses[1].IsAvailable = false
	_, err = s.GetOptimalDrivers(context.Background(), models.TripRequest{})
	assert.ErrorIs(t, err, ErrNoDriversAvailable)
}

func TestSpatialIndexFailureSurfaces(t *testing.T) {
	s := newTestService(&fakeGeo{err: models.Unavailable("geo", errors.New("down"))}, nil)
	_, err := s.GetOptimalDrivers(context.Background(), models.TripRequest{})
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)
}

func TestMaxCandidatesBound(t *testing.T) {
	var hits []geo.Hit
	for i := 0; i < 9; i++ {
		hits = append(hits, geo.Hit{DriverID: string(rune('a' + i)), DistanceKm: float64(i) * 0.2})
	}
	s := newTestService(&fakeGeo{hits: hits}, nil)
	res, err := s.GetOptimalDrivers(context.Background(), models.TripRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 5)
}
