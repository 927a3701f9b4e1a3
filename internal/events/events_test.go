package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/models"
)

func sampleTrip() *models.Trip {
	return &models.Trip{
		ID:            "trip-1",
		RiderID:       "rider-1",
		Pickup:        models.Location{Lat: 40.7128, Lon: -74.0060},
		Destination:   models.Location{Lat: 40.7580, Lon: -73.9855},
		EstimatedFare: 12.5,
		Status:        models.StatusSearching,
	}
}

func TestForTransitionCoversEveryNonInitialStatus(t *testing.T) {
	for _, s := range []models.TripStatus{
		models.StatusSearching, models.StatusAccepted, models.StatusDriverArriving,
		models.StatusPickedUp, models.StatusInProgress, models.StatusCompleted, models.StatusCancelled,
	} {
		typ, ok := ForTransition(s)
		assert.True(t, ok, s)
		assert.True(t, typ.IsTransition(), s)
	}
	typ, _ := ForTransition(models.StatusPickedUp)
	assert.Equal(t, TripPickedUp, typ)
	_, ok := ForTransition(models.StatusRequested)
	assert.False(t, ok)
	assert.False(t, TripDriverAssigned.IsTransition())
	assert.False(t, TripRatingSubmitted.IsTransition())
}

func TestNewEventUsesEstimateUntilFinalFare(t *testing.T) {
	tr := sampleTrip()
	at := time.UnixMilli(1_700_000_000_000)
	ev := New(TripRequested, tr, at, nil)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "trip-1", ev.TripID)
	assert.Equal(t, "rider-1", ev.UserID)
	assert.Nil(t, ev.DriverID)
	assert.Equal(t, at.UnixMilli(), ev.Timestamp)
	require.NotNil(t, ev.Data.Fare)
	assert.Equal(t, 12.5, *ev.Data.Fare)

	final := 14.0
	tr.DriverID = "d1"
	tr.FinalFare = &final
	tr.Status = models.StatusCompleted
	ev2 := New(TripCompleted, tr, at, nil)
	assert.NotEqual(t, ev.ID, ev2.ID)
	assert.Equal(t, "d1", ev2.Driver())
	assert.Equal(t, 14.0, *ev2.Data.Fare)
}

func TestEncodeUsesWireFieldNames(t *testing.T) {
	ev := New(TripRequested, sampleTrip(), time.UnixMilli(1000), nil)
	b, err := Encode(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	for _, k := range []string{"eventId", "eventType", "tripId", "userId", "driverId", "timestamp", "data"} {
		assert.Contains(t, raw, k)
	}
	assert.Nil(t, raw["driverId"])
}

func TestDecodeRejectsUnknownTypeAndMissingIDs(t *testing.T) {
	_, err := Decode([]byte(`{"eventId":"e1","eventType":"TRIP_TELEPORTED","tripId":"t1"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"eventId":"","eventType":"TRIP_ACCEPTED","tripId":"t1"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	ev, err := Decode([]byte(`{"eventId":"e1","eventType":"TRIP_ACCEPTED","tripId":"t1","driverId":"d9","timestamp":5}`))
	require.NoError(t, err)
	assert.Equal(t, TripAccepted, ev.Type)
	assert.Equal(t, "d9", ev.Driver())
}

func TestCandidatesSurviveTheWire(t *testing.T) {
	refs := []CandidateRef{{DriverID: "d1", DistanceKm: 0.5, Score: 98.6}, {DriverID: "d2", DistanceKm: 1.2, Score: 70}}
	ev := New(TripDriverAssigned, sampleTrip(), time.Now(), map[string]any{"candidates": refs})

	got, err := ev.Candidates()
	require.NoError(t, err)
	assert.Equal(t, refs, got)

	b, err := Encode(ev)
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)
	got, err = decoded.Candidates()
	require.NoError(t, err)
	assert.Equal(t, refs, got)
}

type fakeWriter struct {
	mu    sync.Mutex
	fails int
	msgs  []kafka.Message
	calls int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fails > 0 {
		w.fails--
		return errors.New("broker down")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducerKeysByTripAndRetries(t *testing.T) {
	w := &fakeWriter{fails: 2}
	p := newKafkaProducer(w, nil)
	p.backoff = time.Millisecond

	ev := New(TripAccepted, sampleTrip(), time.Now(), nil)
	require.NoError(t, p.Publish(context.Background(), ev))
	assert.Equal(t, 3, w.calls)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("trip-1"), w.msgs[0].Key)
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)
	assert.Equal(t, []byte(TripAccepted), w.msgs[0].Headers[0].Value)
}

func TestProducerGivesUpAsUpstreamUnavailable(t *testing.T) {
	w := &fakeWriter{fails: 10}
	p := newKafkaProducer(w, nil)
	p.backoff = time.Millisecond

	err := p.Publish(context.Background(), New(TripAccepted, sampleTrip(), time.Now(), nil))
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	assert.Equal(t, 3, w.calls)
}

// flakyPublisher fails its first fails calls, and every call for the trip
// in stuck.
type flakyPublisher struct {
	mu    sync.Mutex
	fails int
	stuck string
	got   []Event
}

func (p *flakyPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.TripID == p.stuck {
		return errors.New("partition unavailable")
	}
	if p.fails > 0 {
		p.fails--
		return errors.New("still down")
	}
	p.got = append(p.got, ev)
	return nil
}

func (p *flakyPublisher) published() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.got...)
}

func TestRouterRunsAllHandlersAndJoinsErrors(t *testing.T) {
	r := NewRouter()
	var calls []string
	r.On(func(context.Context, Event) error { calls = append(calls, "a"); return errors.New("boom") }, TripCompleted)
	r.On(func(context.Context, Event) error { calls = append(calls, "b"); return nil }, TripCompleted, TripCancelled)

	err := r.Handle(context.Background(), New(TripCompleted, sampleTrip(), time.Now(), nil))
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, []string{"a", "b"}, calls)

	calls = nil
	require.NoError(t, r.Handle(context.Background(), New(TripCancelled, sampleTrip(), time.Now(), nil)))
	assert.Equal(t, []string{"b"}, calls)

	require.NoError(t, r.Handle(context.Background(), New(TripPickedUp, sampleTrip(), time.Now(), nil)))
}

// sliceReader serves a fixed list of messages and then blocks until ctx ends.
type sliceReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	fetchErrs int
	committed []kafka.Message
}

func (r *sliceReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErrs > 0 {
		r.fetchErrs--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("rebalance")
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *sliceReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *sliceReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func message(t *testing.T, ev Event, offset int64) kafka.Message {
	t.Helper()
	b, err := Encode(ev)
	require.NoError(t, err)
	return kafka.Message{Key: ev.Key(), Value: b, Offset: offset}
}

func TestConsumerSkipsInvalidAndDuplicatesAndSurvivesHandlerErrors(t *testing.T) {
	completed := New(TripCompleted, sampleTrip(), time.Now(), nil)
	cancelled := New(TripCancelled, sampleTrip(), time.Now(), nil)

	reader := &sliceReader{
		fetchErrs: 1,
		msgs: []kafka.Message{
			{Value: []byte(`{"eventId":"x","eventType":"NOPE","tripId":"t"}`), Offset: 1},
			message(t, completed, 2),
			message(t, completed, 3),
			message(t, cancelled, 4),
		},
	}

	var mu sync.Mutex
	handled := map[Type]int{}
	router := NewRouter()
	router.On(func(_ context.Context, ev Event) error {
		mu.Lock()
		handled[ev.Type]++
		mu.Unlock()
		if ev.Type == TripCompleted {
			return errors.New("downstream failed")
		}
		return nil
	}, TripCompleted, TripCancelled)

	c := NewConsumer(reader, router, NewMemoryDeduper(time.Hour), nil)
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, handled[TripCompleted])
	assert.Equal(t, 1, handled[TripCancelled])
}

func TestProcessReportsDuplicate(t *testing.T) {
	ev := New(TripAccepted, sampleTrip(), time.Now(), nil)
	c := NewConsumer(&sliceReader{}, NewRouter(), NewMemoryDeduper(time.Hour), nil)
	msg := message(t, ev, 1)

	require.NoError(t, c.Process(context.Background(), msg))
	assert.ErrorIs(t, c.Process(context.Background(), msg), ErrDuplicate)
}

func TestMemoryDeduperForgetsAfterTTL(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	first, err := d.FirstSeen(context.Background(), "e1")
	require.NoError(t, err)
	assert.True(t, first)
	first, _ = d.FirstSeen(context.Background(), "e1")
	assert.False(t, first)

	now = now.Add(2 * time.Minute)
	first, _ = d.FirstSeen(context.Background(), "e1")
	assert.True(t, first)
}

func TestMemoryBusFeedsConsumer(t *testing.T) {
	bus := NewMemoryBus(8)
	got := make(chan Event, 2)
	router := NewRouter()
	router.On(func(_ context.Context, ev Event) error { got <- ev; return nil }, AllTypes...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewConsumer(bus, router, nil, nil).Run(ctx) }()

	a := New(TripRequested, sampleTrip(), time.Now(), nil)
	b := New(TripAccepted, sampleTrip(), time.Now(), nil)
	require.NoError(t, bus.Publish(ctx, a))
	require.NoError(t, bus.Publish(ctx, b))

	assert.Equal(t, a.ID, (<-got).ID)
	assert.Equal(t, b.ID, (<-got).ID)
}
