// Package rediscache is the Redis cache-aside layer in front of the query service.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
)

const keyPrefix = "finstream:"

// Cache stores JSON encoded query results under finstream: keys.
type Cache struct {
	client *redis.Client
	logger *common.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, logger *common.Logger, config common.CacheConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Address, err)
	}

	logger.Info().Str("address", config.Address).Int("db", config.DB).Msg("Query cache initialized")
	return &Cache{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, logger *common.Logger) *Cache {
	return &Cache{client: client, logger: logger}
}

// Get decodes the cached value into dest. A miss returns false and no error.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached %s: %w", key, err)
	}
	return true, nil
}

// Set stores value for ttl.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

// Delete removes keys; missing keys are ignored.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	return c.client.Del(ctx, full...).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Compile-time check
var _ interfaces.Cache = (*Cache)(nil)
