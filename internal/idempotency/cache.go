// Package idempotency remembers processed gateway events in a shared keyed
// store so duplicate deliveries are recognised before touching the database.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "gateway:event:"

// DefaultTTL is how long a processed event id is remembered.
const DefaultTTL = 72 * time.Hour

// Cache is a best-effort record of processed keys. The database stays the
// source of truth; a miss only means the caller must check there.
type Cache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string, ttl time.Duration) error
}

// NopCache never remembers anything.
type NopCache struct{}

func (NopCache) Seen(context.Context, string) (bool, error)            { return false, nil }
func (NopCache) Remember(context.Context, string, time.Duration) error { return nil }

// RedisCache stores processed keys in Redis with an expiry.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache returns nil if client is nil.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	if client == nil {
		return nil
	}
	return &RedisCache{client: client}
}

// Dial parses a redis:// URL and pings the server.
func Dial(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Seen(ctx context.Context, key string) (bool, error) {
	if c == nil || key == "" {
		return false, nil
	}
	err := c.client.Get(ctx, keyPrefix+key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	return true, nil
}

// Remember records key for ttl. A non-positive ttl uses DefaultTTL.
func (c *RedisCache) Remember(ctx context.Context, key string, ttl time.Duration) error {
	if c == nil || key == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := c.client.Set(ctx, keyPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
