package ingest

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

	"github.com/example/trip-dispatch/internal/directory"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

// flakyIndex fails Upsert a fixed number of times before delegating.
type flakyIndex struct {
	*geo.MemoryIndex
	fail  int
	calls int
}

func (f *flakyIndex) Upsert(ctx context.Context, id string, lat, lon float64) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("geo fail")
	}
	return f.MemoryIndex.Upsert(ctx, id, lat, lon)
}

// flakyDirectory fails TouchLocation a fixed number of times.
type flakyDirectory struct {
	*directory.MemoryStore
	fail  int
	calls int
}

func (f *flakyDirectory) TouchLocation(ctx context.Context, loc models.DriverLocation) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("hset fail")
	}
	return f.MemoryStore.TouchLocation(ctx, loc)
}

func TestApplySucceedsAfterRetries(t *testing.T) {
	idx := &flakyIndex{MemoryIndex: geo.NewMemoryIndex(), fail: 1}
	dir := &flakyDirectory{MemoryStore: directory.NewMemoryStore(), fail: 1}
	a := &Applier{Geo: idx, Directory: dir, Attempts: 3, Delay: 10 * time.Millisecond}

	start := time.Now()
	require.NoError(t, a.Apply(context.Background(), models.DriverLocation{DriverID: "d1", Lat: 1, Lon: 2, Rating: 4.5}))
	assert.GreaterOrEqual(t, idx.calls, 2)
	assert.GreaterOrEqual(t, dir.calls, 2)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	hits, err := idx.RadiusQuery(context.Background(), 1, 2, 1, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	st, err := dir.BatchStatus(context.Background(), []string{"d1"})
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.True(t, st[0].IsAvailable)
}

func TestApplyFailsWhenExhausted(t *testing.T) {
	idx := &flakyIndex{MemoryIndex: geo.NewMemoryIndex(), fail: 5}
	a := &Applier{Geo: idx, Directory: directory.NewMemoryStore(), Attempts: 3, Delay: 5 * time.Millisecond}
	assert.Error(t, a.Apply(context.Background(), models.DriverLocation{DriverID: "d1", Lat: 1, Lon: 2}))
	assert.Equal(t, 3, idx.calls)
}

func TestApplyRejectsInvalidLocation(t *testing.T) {
	a := NewApplier(geo.NewMemoryIndex(), directory.NewMemoryStore())
	assert.ErrorIs(t, a.Apply(context.Background(), models.DriverLocation{DriverID: "", Lat: 1, Lon: 1}), ErrInvalidLocation)
	assert.ErrorIs(t, a.Apply(context.Background(), models.DriverLocation{DriverID: "d", Lat: 91, Lon: 1}), ErrInvalidLocation)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}
func (w *fakeWriter) Close() error { return nil }

func TestProducerKeysByDriver(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w, timeout: time.Second}
	require.NoError(t, p.PublishLocation(context.Background(), models.DriverLocation{DriverID: "d7", Lat: 1, Lon: 2}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("d7"), w.msgs[0].Key)

	var got models.DriverLocation
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "d7", got.DriverID)
}

type queueReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed int
}

func (r *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
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

func (r *queueReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed += len(msgs)
	return nil
}

func (r *queueReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

func TestConsumerAppliesAndSkipsInvalid(t *testing.T) {
	good, _ := json.Marshal(models.DriverLocation{DriverID: "d1", Lat: 40.7, Lon: -74})
	r := &queueReader{msgs: []kafka.Message{{Value: []byte("garbage")}, {Value: good}}}
	idx := geo.NewMemoryIndex()
	c := NewConsumer(r, NewApplier(idx, directory.NewMemoryStore()), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return r.commits() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	hits, err := idx.RadiusQuery(context.Background(), 40.7, -74, 1, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].DriverID)
}
