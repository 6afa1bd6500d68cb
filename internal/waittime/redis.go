package waittime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "walkin:avg-service-minutes:"

// RedisCache shares averages between service instances. Expiry is delegated
// to Redis key TTLs.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: defaultKeyPrefix, ttl: ttl}
}

func (c *RedisCache) key(locationID string) string {
	return c.prefix + locationID
}

func (c *RedisCache) Get(ctx context.Context, locationID string) (float64, bool, error) {
	raw, err := c.client.Get(ctx, c.key(locationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("redis get average: %w", err)
	}
	minutes, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached average %q: %w", raw, err)
	}
	return minutes, true, nil
}

func (c *RedisCache) Set(ctx context.Context, locationID string, minutes float64) error {
	if c.ttl <= 0 {
		return nil
	}
	value := strconv.FormatFloat(minutes, 'f', -1, 64)
	if err := c.client.Set(ctx, c.key(locationID), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set average: %w", err)
	}
	return nil
}
