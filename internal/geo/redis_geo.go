package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/boat-dispatch/internal/models"
)

// RedisGeo implements PositionIndex using Redis GEO commands. Accuracy and
// report time live in a side hash per captain.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, captainID string, p models.Position) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lng, Latitude: p.Lat, Name: captainID})
		pipe.HSet(ctx, metaKey(captainID), map[string]interface{}{
			"accuracy":  strconv.FormatFloat(p.Accuracy, 'f', -1, 64),
			"timestamp": p.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	return err
}

func (r *RedisGeo) Remove(ctx context.Context, captainID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.key, captainID)
		pipe.Del(ctx, metaKey(captainID))
		return nil
	})
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]Located, error) {
	if radiusM <= 0 {
		radiusM = 50000
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Located, 0, len(res))
	for _, g := range res {
		loc := Located{
			CaptainID: g.Name,
			Position:  models.Position{Lat: g.Latitude, Lng: g.Longitude},
			DistanceM: g.Dist,
		}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["accuracy"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					loc.Position.Accuracy = f
				}
			}
			if v, ok := m["timestamp"]; ok {
				if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
					loc.Position.Timestamp = ts
				}
			}
		}
		out = append(out, loc)
	}
	return out, nil
}

func metaKey(id string) string { return "captain:pos:" + id }
