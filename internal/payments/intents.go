package payments

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// Intent is the hold placed for one trip.
type Intent struct {
	ID     string
	Amount int64
}

type IntentStore interface {
	Save(ctx context.Context, tripID string, in Intent) error
	Get(ctx context.Context, tripID string) (Intent, bool, error)
	Delete(ctx context.Context, tripID string) error
}

type RedisIntents struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisIntents(client redis.UniversalClient) *RedisIntents {
	return &RedisIntents{client: client, ttl: 30 * 24 * time.Hour}
}

func intentKey(tripID string) string { return "payments:intent:" + tripID }

func (r *RedisIntents) Save(ctx context.Context, tripID string, in Intent) error {
	key := intentKey(tripID)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "id", in.ID, "amount", in.Amount)
		p.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return models.Unavailable("intent store", err)
	}
	return nil
}

func (r *RedisIntents) Get(ctx context.Context, tripID string) (Intent, bool, error) {
	m, err := r.client.HGetAll(ctx, intentKey(tripID)).Result()
	if err != nil {
		return Intent{}, false, models.Unavailable("intent store", err)
	}
	if m["id"] == "" {
		return Intent{}, false, nil
	}
	amount, _ := strconv.ParseInt(m["amount"], 10, 64)
	return Intent{ID: m["id"], Amount: amount}, true, nil
}

func (r *RedisIntents) Delete(ctx context.Context, tripID string) error {
	if err := r.client.Del(ctx, intentKey(tripID)).Err(); err != nil {
		return models.Unavailable("intent store", err)
	}
	return nil
}

type MemoryIntents struct {
	mu      sync.Mutex
	intents map[string]Intent
}

func NewMemoryIntents() *MemoryIntents { return &MemoryIntents{intents: make(map[string]Intent)} }

func (m *MemoryIntents) Save(_ context.Context, tripID string, in Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[tripID] = in
	return nil
}

func (m *MemoryIntents) Get(_ context.Context, tripID string) (Intent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[tripID]
	return in, ok, nil
}

func (m *MemoryIntents) Delete(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intents, tripID)
	return nil
}
