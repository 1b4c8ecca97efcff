package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/stocksync/config"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// ErrCacheMiss is returned when a key is absent or the cache is disabled
var ErrCacheMiss = errors.New("cache miss")

// RedisCache provides caching using Redis. A nil or disabled cache misses on
// every read and ignores writes.
type RedisCache struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
		ttl:     cfg.AggregateTTL,
	}, nil
}

// Enabled reports whether reads and writes reach Redis
func (c *RedisCache) Enabled() bool {
	return c != nil && c.enabled && c.client != nil
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.Enabled() {
		return ErrCacheMiss
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}
	return nil
}

// Set stores a value in cache with optional expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.Enabled() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// Delete removes keys from cache
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if !c.Enabled() || len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "failed to delete keys from Redis")
	}
	return nil
}

// GetAggregate returns the cached central aggregate of a product
func (c *RedisCache) GetAggregate(ctx context.Context, productID string) (*models.CentralAggregate, error) {
	var aggregate models.CentralAggregate
	if err := c.Get(ctx, AggregateCacheKey(productID), &aggregate); err != nil {
		return nil, err
	}
	return &aggregate, nil
}

// SetAggregate caches a central aggregate for the configured TTL
func (c *RedisCache) SetAggregate(ctx context.Context, aggregate *models.CentralAggregate) error {
	if !c.Enabled() {
		return nil
	}
	return c.Set(ctx, AggregateCacheKey(aggregate.ProductID), aggregate, c.ttl)
}

// Ping checks the connection for health reporting
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// AggregateCacheKey generates a cache key for a product's central aggregate
func AggregateCacheKey(productID string) string {
	return fmt.Sprintf("aggregate:%s", productID)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
