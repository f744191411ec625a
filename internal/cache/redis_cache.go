package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const deliveryKeyPrefix = "ledger:delivery:"

type RedisDeliveryCache struct {
	client *redis.Client
}

func NewRedisDeliveryCache(addr string, password string, db int) *RedisDeliveryCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisDeliveryCache{client: client}
}

func (c *RedisDeliveryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisDeliveryCache) Close() error {
	return c.client.Close()
}

func (c *RedisDeliveryCache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, deliveryKeyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSeen records key after the notification was applied. An existing key
// is left with its original expiry.
func (c *RedisDeliveryCache) MarkSeen(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.SetNX(ctx, deliveryKeyPrefix+key, "1", ttl).Err()
}
