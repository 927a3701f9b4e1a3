package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisOffers(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	ctx := context.Background()
	o := NewRedisOffers(rc)

	ok, err := o.Offered(ctx, "t1", "anyone")
	require.NoError(t, err)
	assert.True(t, ok, "trip without offers is open")

	require.NoError(t, o.Record(ctx, "t1", []string{"d1", "d2"}, time.Minute))
	ok, err = o.Offered(ctx, "t1", "d2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = o.Offered(ctx, "t1", "d9")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, time.Minute, mr.TTL("dispatch:offers:t1"))
	mr.FastForward(2 * time.Minute)
	ok, err = o.Offered(ctx, "t1", "d9")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryOffers(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	o := NewMemoryOffers()
	o.now = func() time.Time { return now }

	require.NoError(t, o.Record(ctx, "t1", []string{"d1"}, time.Minute))
	ok, _ := o.Offered(ctx, "t1", "d1")
	assert.True(t, ok)
	ok, _ = o.Offered(ctx, "t1", "d2")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = o.Offered(ctx, "t1", "d2")
	assert.True(t, ok)
}
