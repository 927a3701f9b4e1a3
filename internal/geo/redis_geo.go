package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisIndex implements Index on a Redis GEO sorted set.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, lat, lon float64) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: driverID, Longitude: lon, Latitude: lat}).Err()
	return models.Unavailable("geo", err)
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	return models.Unavailable("geo", r.client.ZRem(ctx, r.key, driverID).Err())
}

func (r *RedisIndex) RadiusQuery(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]Hit, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, models.Unavailable("geo", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{DriverID: g.Name, DistanceKm: g.Dist, Lat: g.Latitude, Lon: g.Longitude})
	}
	return out, nil
}
