package events

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// Deduper remembers event ids a consumer group has already taken.
type Deduper interface {
	// FirstSeen marks id and reports whether this is its first delivery.
	FirstSeen(ctx context.Context, id string) (bool, error)
}

type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper scopes ids by group so independent consumer groups each
// see every event once.
func NewRedisDeduper(client redis.UniversalClient, group string, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: "dispatch:seen:" + group + ":", ttl: ttl}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
	if err != nil {
		return false, models.Unavailable("dedup", err)
	}
	return ok, nil
}

type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduper) FirstSeen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	if len(d.seen) > 10000 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	d.seen[id] = now.Add(d.ttl)
	return true, nil
}
