// Package cache provides a Redis-backed TTL cache for protocol metadata and
// agent reputation lookups, adapted from the rail-service Redis client
// idiom in the wider example pack (Set/Get/Del/Keys over go-redis),
// generalized to use invalidate-by-pattern for cache busting when a
// protocol or agent record changes underneath it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache: key not found")

// Cache wraps a go-redis client with JSON marshal/unmarshal and a default
// TTL applied when callers don't specify one.
type Cache struct {
	client     *redis.Client
	defaultTTL time.Duration
	logger     *slog.Logger
}

// New connects to the given Redis URL (e.g. "redis://localhost:6379/0").
func New(ctx context.Context, url string, defaultTTL time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Cache{
		client:     client,
		defaultTTL: defaultTTL,
		logger:     slog.Default().With("component", "cache"),
	}, nil
}

// Set marshals value as JSON and stores it with the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	return c.SetTTL(ctx, key, value, c.defaultTTL)
}

// SetTTL marshals value as JSON and stores it with an explicit TTL.
func (c *Cache) SetTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set cache key %q: %w", key, err)
	}
	return nil
}

// Get unmarshals the cached value for key into dest. Returns ErrCacheMiss if
// the key is absent or expired.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("get cache key %q: %w", key, err)
	}
	return json.Unmarshal([]byte(val), dest)
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// InvalidatePattern deletes every key matching a glob pattern (e.g.
// "protocol:abc123:*" after a protocol's bounty pool changes). Uses SCAN
// rather than KEYS to avoid blocking the Redis event loop on large keyspaces.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan cache keys matching %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, fmt.Errorf("delete cache keys matching %q: %w", pattern, err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
