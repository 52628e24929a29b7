package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching derived leverage data.
// Supports two-phase caching: local LRU as L1 with Redis as L2.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `envconfig:"CACHE_TYPE" default:"memory"`

	// Local LRU cache settings
	LocalMaxSize int           `envconfig:"CACHE_LOCAL_MAX_SIZE" default:"10000"`
	LocalTTL     time.Duration `envconfig:"CACHE_LOCAL_TTL" default:"5m"`

	// Redis settings
	RedisAddr     string `envconfig:"CACHE_REDIS_ADDR"`
	RedisPassword string `envconfig:"CACHE_REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"CACHE_REDIS_DB"`

	// Two-phase settings
	EnableTwoPhase bool `envconfig:"CACHE_TWO_PHASE"` // If true, check local first, then Redis
}
