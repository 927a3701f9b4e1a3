package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// OfferLedger remembers which drivers were offered a trip.
type OfferLedger interface {
	Record(ctx context.Context, tripID string, driverIDs []string, ttl time.Duration) error
	// Offered reports whether driverID may accept tripID. Trips with no
	// recorded offers are open to any driver.
	Offered(ctx context.Context, tripID, driverID string) (bool, error)
}

type RedisOffers struct {
	client redis.UniversalClient
}

func NewRedisOffers(client redis.UniversalClient) *RedisOffers {
	return &RedisOffers{client: client}
}

func offersKey(tripID string) string { return "dispatch:offers:" + tripID }

func (r *RedisOffers) Record(ctx context.Context, tripID string, driverIDs []string, ttl time.Duration) error {
	if len(driverIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(driverIDs))
	for i, id := range driverIDs {
		members[i] = id
	}
	key := offersKey(tripID)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, members...)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	return models.Unavailable("offers", err)
}

func (r *RedisOffers) Offered(ctx context.Context, tripID, driverID string) (bool, error) {
	key := offersKey(tripID)
	var exists *redis.IntCmd
	var member *redis.BoolCmd
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		exists = p.Exists(ctx, key)
		member = p.SIsMember(ctx, key, driverID)
		return nil
	})
	if err != nil {
		return false, models.Unavailable("offers", err)
	}
	return exists.Val() == 0 || member.Val(), nil
}

type MemoryOffers struct {
	mu     sync.Mutex
	offers map[string]memoryOffer
	now    func() time.Time
}

type memoryOffer struct {
	drivers map[string]struct{}
	expires time.Time
}

func NewMemoryOffers() *MemoryOffers {
	return &MemoryOffers{offers: make(map[string]memoryOffer), now: time.Now}
}

func (m *MemoryOffers) Record(_ context.Context, tripID string, driverIDs []string, ttl time.Duration) error {
	if len(driverIDs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[tripID]
	if !ok || m.expired(o) {
		o = memoryOffer{drivers: make(map[string]struct{})}
	}
	for _, id := range driverIDs {
		o.drivers[id] = struct{}{}
	}
	if ttl > 0 {
		o.expires = m.now().Add(ttl)
	}
	m.offers[tripID] = o
	return nil
}

func (m *MemoryOffers) Offered(_ context.Context, tripID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[tripID]
	if !ok || m.expired(o) {
		return true, nil
	}
	_, member := o.drivers[driverID]
	return member, nil
}

func (m *MemoryOffers) expired(o memoryOffer) bool {
	return !o.expires.IsZero() && m.now().After(o.expires)
}
