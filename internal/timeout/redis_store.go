package timeout

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

const (
	indexKey   = "dispatch:timeouts"
	recordPref = "dispatch:timeout:"
	procPref   = "dispatch:proc:"
)

var deleteIfScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

var saveIfScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'token')
if ARGV[9] == '' then
  if cur then return 0 end
elseif cur ~= ARGV[9] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'trip_id', ARGV[1], 'state', ARGV[2], 'kind', ARGV[3],
  'expires_at', ARGV[4], 'owner', ARGV[5], 'duration_ms', ARGV[6], 'token', ARGV[7])
if tonumber(ARGV[8]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[8])
end
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'owner', ARGV[2])
  return 1
end
return 0
`)

// RedisStore keeps each record in a hash and indexes trip ids by expiry in
// a sorted set so a recovering process can find them.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(tripID string) string { return recordPref + tripID }

func (s *RedisStore) Save(ctx context.Context, rec Record, ttl time.Duration) error {
	key := recordKey(rec.TripID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"trip_id", rec.TripID,
			"state", string(rec.State),
			"kind", string(rec.Kind),
			"expires_at", rec.ExpiresAt.UnixMilli(),
			"owner", rec.Owner,
			"duration_ms", rec.Duration.Milliseconds(),
			"token", rec.Token,
		)
		if ttl > 0 {
			p.PExpire(ctx, key, ttl)
		}
		p.ZAdd(ctx, indexKey, redis.Z{Score: float64(rec.ExpiresAt.UnixMilli()), Member: rec.TripID})
		return nil
	})
	return models.Unavailable("timeout store", err)
}

func (s *RedisStore) SaveIf(ctx context.Context, rec Record, ttl time.Duration, expect string) (bool, error) {
	n, err := saveIfScript.Run(ctx, s.client, []string{recordKey(rec.TripID), indexKey},
		rec.TripID, string(rec.State), string(rec.Kind), rec.ExpiresAt.UnixMilli(),
		rec.Owner, rec.Duration.Milliseconds(), rec.Token, ttl.Milliseconds(), expect,
	).Int()
	if err != nil {
		return false, models.Unavailable("timeout store", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, tripID string) (Record, bool, error) {
	m, err := s.client.HGetAll(ctx, recordKey(tripID)).Result()
	if err != nil {
		return Record{}, false, models.Unavailable("timeout store", err)
	}
	if len(m) == 0 {
		return Record{}, false, nil
	}
	rec, err := parseRecord(m)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func parseRecord(m map[string]string) (Record, error) {
	exp, err := strconv.ParseInt(m["expires_at"], 10, 64)
	if err != nil {
		return Record{}, errors.New("timeout record: bad expires_at")
	}
	dur, _ := strconv.ParseInt(m["duration_ms"], 10, 64)
	return Record{
		TripID:    m["trip_id"],
		State:     models.TripStatus(m["state"]),
		Kind:      Kind(m["kind"]),
		ExpiresAt: time.UnixMilli(exp),
		Owner:     m["owner"],
		Duration:  time.Duration(dur) * time.Millisecond,
		Token:     m["token"],
	}, nil
}

func (s *RedisStore) Delete(ctx context.Context, tripID string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, recordKey(tripID))
		p.ZRem(ctx, indexKey, tripID)
		return nil
	})
	return models.Unavailable("timeout store", err)
}

func (s *RedisStore) DeleteIf(ctx context.Context, tripID, token string) (bool, error) {
	n, err := deleteIfScript.Run(ctx, s.client, []string{recordKey(tripID), indexKey}, token, tripID).Int()
	if err != nil {
		return false, models.Unavailable("timeout store", err)
	}
	return n == 1, nil
}

// List returns every indexed record. Index entries whose hash has already
// expired are pruned.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, models.Unavailable("timeout store", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, models.Unavailable("timeout store", err)
	}
	var out []Record
	var gone []interface{}
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			gone = append(gone, ids[i])
			continue
		}
		rec, err := parseRecord(m)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	if len(gone) > 0 {
		_ = s.client.ZRem(ctx, indexKey, gone...).Err()
	}
	return out, nil
}

func (s *RedisStore) ClaimOwner(ctx context.Context, tripID, token, owner string) (bool, error) {
	n, err := claimScript.Run(ctx, s.client, []string{recordKey(tripID)}, token, owner).Int()
	if err != nil {
		return false, models.Unavailable("timeout store", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, owner string, ttl time.Duration) error {
	return models.Unavailable("timeout store", s.client.Set(ctx, procPref+owner, time.Now().UnixMilli(), ttl).Err())
}

func (s *RedisStore) Alive(ctx context.Context, owner string) (bool, error) {
	n, err := s.client.Exists(ctx, procPref+owner).Result()
	if err != nil {
		return false, models.Unavailable("timeout store", err)
	}
	return n == 1, nil
}
