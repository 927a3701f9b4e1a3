package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/models"
)

func TestRedisDeduperScopesByGroup(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	ctx := context.Background()

	a := NewRedisDeduper(rc, "readmodel", time.Hour)
	b := NewRedisDeduper(rc, "payments", time.Hour)

	first, err := a.FirstSeen(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = a.FirstSeen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, first)

	first, err = b.FirstSeen(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, first)

	mr.FastForward(2 * time.Hour)
	first, err = a.FirstSeen(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestRedisDeduperUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rc.Close() })
	mr.Close()

	_, err := NewRedisDeduper(rc, "g", 0).FirstSeen(context.Background(), "e1")
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)
}
