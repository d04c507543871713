/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache keeps fetched playlist documents in Redis so relays sharing
// object storage do not refetch them on every reload.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultDocumentTTL bounds how long a cached document is served.
const DefaultDocumentTTL = 5 * time.Minute

// KeyDocument prefixes document cache keys; the document reference follows.
const KeyDocument = "grimnir:relay:cache:document:"

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DocumentTTL time.Duration

	// DisableOnError turns caching off after the first Redis error.
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		DocumentTTL:    DefaultDocumentTTL,
		DisableOnError: true,
	}
}

// Loader fetches documents by reference.
type Loader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance. An unreachable server yields a disabled
// cache, not an error.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	if cfg.DocumentTTL <= 0 {
		cfg.DocumentTTL = DefaultDocumentTTL
	}
	logger = logger.With().Str("component", "cache").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		_ = client.Close()
		return &Cache{
			logger:   logger,
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.DocumentTTL).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logger,
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	if !c.IsAvailable() {
		return nil, false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.handleError(err, "get")
		return nil, false
	}
	return data, true
}

func (c *Cache) set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if !c.IsAvailable() {
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
	}
}

func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}
	return nil
}

// Documents wraps a loader with the cache.
func (c *Cache) Documents(next Loader) *Documents {
	return &Documents{cache: c, next: next}
}

// Documents is a read-through document cache.
type Documents struct {
	cache *Cache
	next  Loader
}

// Load returns the cached document for ref, fetching it on a miss.
func (d *Documents) Load(ctx context.Context, ref string) ([]byte, error) {
	key := KeyDocument + ref
	if data, ok := d.cache.get(ctx, key); ok {
		d.cache.logger.Debug().Str("ref", ref).Msg("document cache hit")
		return data, nil
	}

	data, err := d.next.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	d.cache.set(ctx, key, data, d.cache.config.DocumentTTL)
	return data, nil
}

// Invalidate drops the cached copy of ref so the next Load refetches it.
func (d *Documents) Invalidate(ctx context.Context, ref string) error {
	return d.cache.delete(ctx, KeyDocument+ref)
}
