package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/models"
)

type fakeGateway struct {
	holds    []int64
	captures []int64
	cancels  []string
	keys     []string
	failHold bool
}

func (g *fakeGateway) Hold(_ context.Context, amount int64, _ string, key string, _ map[string]string) (string, error) {
	if g.failHold {
		return "", models.Unavailable("payments", errors.New("card declined"))
	}
	g.holds = append(g.holds, amount)
	g.keys = append(g.keys, key)
	return "pi_1", nil
}

func (g *fakeGateway) Capture(_ context.Context, id string, amount int64, key string) error {
	g.captures = append(g.captures, amount)
	g.keys = append(g.keys, key)
	return nil
}

func (g *fakeGateway) Cancel(_ context.Context, id, key string) error {
	g.cancels = append(g.cancels, id)
	g.keys = append(g.keys, key)
	return nil
}

func trip(status models.TripStatus, final *float64) *models.Trip {
	return &models.Trip{ID: "t1", RiderID: "r1", DriverID: "d1", EstimatedFare: 12.5, FinalFare: final, Status: status}
}

func setup() (*fakeGateway, *MemoryIntents, *events.Router) {
	gw := &fakeGateway{}
	intents := NewMemoryIntents()
	r := events.NewRouter()
	NewHandler(gw, intents, "usd", nil).Register(r)
	return gw, intents, r
}

func TestHoldThenCaptureCapped(t *testing.T) {
	gw, intents, r := setup()
	ctx := context.Background()

	accepted := events.New(events.TripAccepted, trip(models.StatusAccepted, nil), time.Now(), nil)
	require.NoError(t, r.Handle(ctx, accepted))
	require.NoError(t, r.Handle(ctx, accepted))
	assert.Equal(t, []int64{1250}, gw.holds, "second delivery must not hold again")
	assert.Equal(t, "hold-"+accepted.ID, gw.keys[0])

	final := 20.0
	require.NoError(t, r.Handle(ctx, events.New(events.TripCompleted, trip(models.StatusCompleted, &final), time.Now(), nil)))
	assert.Equal(t, []int64{1250}, gw.captures)

	_, ok, _ := intents.Get(ctx, "t1")
	assert.False(t, ok)
}

func TestCaptureLowerFinalFare(t *testing.T) {
	gw, _, r := setup()
	ctx := context.Background()
	require.NoError(t, r.Handle(ctx, events.New(events.TripAccepted, trip(models.StatusAccepted, nil), time.Now(), nil)))

	final := 9.99
	require.NoError(t, r.Handle(ctx, events.New(events.TripCompleted, trip(models.StatusCompleted, &final), time.Now(), nil)))
	assert.Equal(t, []int64{999}, gw.captures)
}

func TestCancelReleasesHold(t *testing.T) {
	gw, _, r := setup()
	ctx := context.Background()

	// cancellation before acceptance has nothing to release
	require.NoError(t, r.Handle(ctx, events.New(events.TripCancelled, trip(models.StatusCancelled, nil), time.Now(), nil)))
	assert.Empty(t, gw.cancels)

	require.NoError(t, r.Handle(ctx, events.New(events.TripAccepted, trip(models.StatusAccepted, nil), time.Now(), nil)))
	require.NoError(t, r.Handle(ctx, events.New(events.TripCancelled, trip(models.StatusCancelled, nil), time.Now(), nil)))
	assert.Equal(t, []string{"pi_1"}, gw.cancels)
}

func TestHoldFailureSurfaces(t *testing.T) {
	gw, intents, r := setup()
	gw.failHold = true
	err := r.Handle(context.Background(), events.New(events.TripAccepted, trip(models.StatusAccepted, nil), time.Now(), nil))
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	_, ok, _ := intents.Get(context.Background(), "t1")
	assert.False(t, ok)
}

func TestRedisIntents(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	s := NewRedisIntents(rc)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, "t1", Intent{ID: "pi_9", Amount: 1500}))
	got, ok, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Intent{ID: "pi_9", Amount: 1500}, got)
	assert.Greater(t, mr.TTL(intentKey("t1")), time.Duration(0))

	require.NoError(t, s.Delete(ctx, "t1"))
	_, ok, _ = s.Get(ctx, "t1")
	assert.False(t, ok)
}
