package directory

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

const (
	fieldStatus = "status"
	fieldRating = "rating"
	fieldTrips  = "completed_trips"
	fieldUpdate = "updated"
)

// RedisStore keeps one hash per driver under driver:meta:<id>.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func metaKey(id string) string { return "driver:meta:" + id }

func (r *RedisStore) BatchStatus(ctx context.Context, driverIDs []string) ([]models.DriverStatus, error) {
	if len(driverIDs) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(driverIDs))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range driverIDs {
			cmds[i] = p.HGetAll(ctx, metaKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, models.Unavailable("directory", err)
	}
	out := make([]models.DriverStatus, 0, len(driverIDs))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		out = append(out, parseStatus(driverIDs[i], m))
	}
	return out, nil
}

func parseStatus(id string, m map[string]string) models.DriverStatus {
	st := models.DriverStatus{DriverID: id, Status: models.DriverAvailability(m[fieldStatus])}
	st.IsAvailable = st.Status == models.DriverAvailable
	if v, err := strconv.ParseFloat(m[fieldRating], 64); err == nil {
		st.Rating = v
	}
	if v, err := strconv.Atoi(m[fieldTrips]); err == nil {
		st.CompletedTrips = v
	}
	if v, err := strconv.ParseInt(m[fieldUpdate], 10, 64); err == nil {
		st.LastLocationUpdate = time.UnixMilli(v)
	}
	return st
}

func (r *RedisStore) SetStatus(ctx context.Context, driverID string, status models.DriverAvailability) error {
	return models.Unavailable("directory", r.client.HSet(ctx, metaKey(driverID), fieldStatus, string(status)).Err())
}

// TouchLocation records a position report. A driver seen for the first time
// becomes available; an existing status is left alone.
func (r *RedisStore) TouchLocation(ctx context.Context, loc models.DriverLocation) error {
	key := metaKey(loc.DriverID)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, key, fieldStatus, string(models.DriverAvailable))
		p.HSet(ctx, key, fieldUpdate, reportedAt(loc, r.now).UnixMilli())
		if loc.Rating > 0 {
			p.HSet(ctx, key, fieldRating, strconv.FormatFloat(loc.Rating, 'f', 2, 64))
		}
		return nil
	})
	return models.Unavailable("directory", err)
}

func (r *RedisStore) IncrementTrips(ctx context.Context, driverID string) error {
	return models.Unavailable("directory", r.client.HIncrBy(ctx, metaKey(driverID), fieldTrips, 1).Err())
}
