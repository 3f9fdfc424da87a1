// README: Read-through tariff cache backed by Redis JSON values with a TTL.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const tariffKeyFormat = "pricing:tariff:%s:%s"

type Cache interface {
	Get(ctx context.Context, city, carClass string) (*Tariff, bool, error)
	Set(ctx context.Context, t *Tariff) error
	Invalidate(ctx context.Context, city, carClass string) error
}

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, city, carClass string) (*Tariff, bool, error) {
	raw, err := c.rdb.Get(ctx, tariffKey(city, carClass)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var t Tariff
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, false, fmt.Errorf("decode cached tariff: %w", err)
	}
	return &t, true, nil
}

func (c *RedisCache) Set(ctx context.Context, t *Tariff) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, tariffKey(t.City, t.CarClass), raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, city, carClass string) error {
	return c.rdb.Del(ctx, tariffKey(city, carClass)).Err()
}

func tariffKey(city, carClass string) string {
	return fmt.Sprintf(tariffKeyFormat, city, carClass)
}

type nopCache struct{}

func (nopCache) Get(context.Context, string, string) (*Tariff, bool, error) { return nil, false, nil }
func (nopCache) Set(context.Context, *Tariff) error                         { return nil }
func (nopCache) Invalidate(context.Context, string, string) error           { return nil }
