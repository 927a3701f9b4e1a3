// Package readmodel keeps the consumer-side view of trip status. It applies
// events monotonically so redelivered or reordered events are harmless.
package readmodel

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

type Entry struct {
	TripID    string            `json:"trip_id"`
	Status    models.TripStatus `json:"status"`
	RiderID   string            `json:"rider_id"`
	DriverID  string            `json:"driver_id,omitempty"`
	EventID   string            `json:"event_id"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type Cache interface {
	// Apply stores e only if its status ranks strictly above the cached
	// one and reports whether it did.
	Apply(ctx context.Context, e Entry) (bool, error)
	Get(ctx context.Context, tripID string) (Entry, bool, error)
}

var errUnknownStatus = errors.New("unknown trip status")

const applyLua = `
local cur = redis.call('HGET', KEYS[1], 'rank')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'rank', ARGV[1], 'status', ARGV[2], 'rider_id', ARGV[3],
  'driver_id', ARGV[4], 'event_id', ARGV[5], 'updated', ARGV[6])
redis.call('EXPIRE', KEYS[1], ARGV[7])
return 1
`

type RedisCache struct {
	client redis.UniversalClient
	apply  *redis.Script
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisCache{client: client, apply: redis.NewScript(applyLua), ttl: ttl}
}

func statusKey(tripID string) string { return "trip:status:" + tripID }

func (c *RedisCache) Apply(ctx context.Context, e Entry) (bool, error) {
	rank := e.Status.Rank()
	if rank < 0 {
		return false, errUnknownStatus
	}
	n, err := c.apply.Run(ctx, c.client, []string{statusKey(e.TripID)},
		rank, string(e.Status), e.RiderID, e.DriverID, e.EventID, e.UpdatedAt.UnixMilli(), int(c.ttl.Seconds()),
	).Int()
	if err != nil {
		return false, models.Unavailable("read model", err)
	}
	return n == 1, nil
}

func (c *RedisCache) Get(ctx context.Context, tripID string) (Entry, bool, error) {
	m, err := c.client.HGetAll(ctx, statusKey(tripID)).Result()
	if err != nil {
		return Entry{}, false, models.Unavailable("read model", err)
	}
	if len(m) == 0 {
		return Entry{}, false, nil
	}
	ms, _ := strconv.ParseInt(m["updated"], 10, 64)
	return Entry{
		TripID:    tripID,
		Status:    models.TripStatus(m["status"]),
		RiderID:   m["rider_id"],
		DriverID:  m["driver_id"],
		EventID:   m["event_id"],
		UpdatedAt: time.UnixMilli(ms),
	}, true, nil
}

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{entries: make(map[string]Entry)} }

func (c *MemoryCache) Apply(_ context.Context, e Entry) (bool, error) {
	rank := e.Status.Rank()
	if rank < 0 {
		return false, errUnknownStatus
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[e.TripID]; ok && cur.Status.Rank() >= rank {
		return false, nil
	}
	c.entries[e.TripID] = e
	return true, nil
}

func (c *MemoryCache) Get(_ context.Context, tripID string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tripID]
	return e, ok, nil
}
