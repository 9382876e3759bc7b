// Package redis provides a thin wrapper around go-redis/v9 used by the
// engine's optional secondary query-result cache, adapted from the teacher
// repository's pkg/redis/client.go. It is distinct from the mandatory
// in-process page-token cache: this cache is read-through, keyed by query
// signature, and entirely disposable -- a Redis outage degrades to
// re-executing the query, never to incorrect results.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrel-db/kestrel/pkg/config"
	"github.com/kestrel-db/kestrel/pkg/resilience"
	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client. Every call to Redis runs through a
// CircuitBreaker so a prolonged Redis outage fails fast instead of
// piling up slow, doomed requests behind the query cache.
type Client struct {
	rdb *redis.Client
	cb  *resilience.CircuitBreaker
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb, cb: resilience.NewCircuitBreaker("redis", resilience.CircuitBreakerConfig{})}, nil
}

// Get returns the string value for the given key. A cache-miss (Nil) does
// not count against the circuit breaker -- only connectivity failures do.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	var realErr error
	if err := c.cb.Execute(func() error {
		val, realErr = c.rdb.Get(ctx, key).Result()
		if realErr != nil && realErr != redis.Nil {
			return realErr
		}
		return nil
	}); err != nil {
		return "", err
	}
	return val, realErr
}

// Set stores a value with the given TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.cb.Execute(func() error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Del deletes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.cb.Execute(func() error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// FlushByPattern scans for keys matching the glob pattern and deletes them,
// returning the number of keys removed. Used to invalidate cached query
// results for a namespace after a mutation.
func (c *Client) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	err := c.cb.Execute(func() error {
		iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("deleting key %s: %w", iter.Val(), err)
			}
			deleted++
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scanning pattern %s: %w", pattern, err)
		}
		return nil
	})
	return deleted, err
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return err == redis.Nil
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
