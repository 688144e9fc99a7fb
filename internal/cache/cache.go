// Package cache implements the invalidation-pulse cache the event
// processor writes into: thread/post/viewer-relationship namespaces backed
// by Redis and shared with the read layer.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the capability the event processor uses to invalidate derived
// view state after a write. It intentionally has no Get — reads live in
// the (out-of-scope) query layer; this core only ever invalidates.
type Cache interface {
	Invalidate(ctx context.Context, keys ...string) error

	// InvalidatePrefix deletes every key matching prefix+"*", used for the
	// thread:{uri}:* namespace where the viewer/depth suffix varies.
	InvalidatePrefix(ctx context.Context, prefix string) error

	Close() error
}

type redisCache struct {
	client *redis.Client
}

// Config mirrors the subset of operator configuration this
// package cares about.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns conservative pool sizing suitable for a single
// AppView replica.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		DB:           0,
		PoolSize:     20,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// New opens a Redis connection for cache invalidation.
func New(cfg Config) Cache {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &redisCache{client: client}
}

func (c *redisCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate keys %v: %w", keys, err)
	}
	return nil
}

// InvalidatePrefix scans for prefix* using SCAN (not KEYS, to avoid
// blocking the server on a large keyspace) and deletes matches in batches.
func (c *redisCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	pattern := prefix + "*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return fmt.Errorf("scan prefix %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete scanned keys for prefix %s: %w", prefix, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
