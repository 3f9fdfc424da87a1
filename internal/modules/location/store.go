// README: Geospatial index backed by Redis GEO sets, one set per pool.
package location

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ridecore/internal/types"
)

const (
	onlineGeoKey = "location:drivers:online"
	parkedGeoKey = "location:drivers:parked"
)

type RedisIndex struct {
	redis *redis.Client
}

func NewRedisIndex(redis *redis.Client) *RedisIndex {
	return &RedisIndex{redis: redis}
}

func poolKey(p Pool) (string, string, error) {
	switch p {
	case PoolOnline:
		return onlineGeoKey, parkedGeoKey, nil
	case PoolParked:
		return parkedGeoKey, onlineGeoKey, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnknownPool, p)
}

// Upsert writes the position into pool and drops the driver from the other
// pool in one MULTI/EXEC.
func (s *RedisIndex) Upsert(ctx context.Context, driverID types.ID, pool Pool, p types.Point) error {
	key, other, err := poolKey(pool)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, key, &redis.GeoLocation{
			Name:      string(driverID),
			Longitude: p.Lng,
			Latitude:  p.Lat,
		})
		pipe.ZRem(ctx, other, string(driverID))
		return nil
	})
	return err
}

func (s *RedisIndex) Remove(ctx context.Context, driverID types.ID) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, onlineGeoKey, string(driverID))
		pipe.ZRem(ctx, parkedGeoKey, string(driverID))
		return nil
	})
	return err
}

func (s *RedisIndex) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]NearbyDriver, error) {
	results, err := s.redis.GeoSearchLocation(ctx, onlineGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]NearbyDriver, len(results))
	for i, r := range results {
		out[i] = NearbyDriver{
			DriverID:   types.ID(r.Name),
			DistanceKm: r.Dist,
			Point:      types.Point{Lat: r.Latitude, Lng: r.Longitude},
		}
	}
	return out, nil
}

func (s *RedisIndex) Locate(ctx context.Context, driverID types.ID) (Pool, types.Point, bool, error) {
	for _, pool := range []Pool{PoolOnline, PoolParked} {
		key, _, _ := poolKey(pool)
		pos, err := s.redis.GeoPos(ctx, key, string(driverID)).Result()
		if err != nil {
			return "", types.Point{}, false, err
		}
		if len(pos) == 1 && pos[0] != nil {
			return pool, types.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}, true, nil
		}
	}
	return "", types.Point{}, false, nil
}
