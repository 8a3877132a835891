package core

import (
	"context"
	"objcache/internal/allocator"
	"objcache/internal/cache"
	"objcache/internal/codec"
	"objcache/internal/metrics"
	"objcache/internal/segment"
	"objcache/internal/types"
	"time"
)

// ColdReader serves ranges that have already left the segment store.
// *coldtier.Fetcher implements it.
type ColdReader interface {
	Fetch(ctx context.Context, collection string, rng types.Range) ([]byte, types.ManifestEntry, error)
}

type Config struct {
	Allocator allocator.Allocator
	Segments  *segment.Store
	Cache     *cache.Cache
	Codec     codec.Codec
	Cold      ColdReader
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Option func(*Config)

func WithAllocator(a allocator.Allocator) Option {
	return func(cfg *Config) {
		cfg.Allocator = a
	}
}

func WithSegmentStore(store *segment.Store) Option {
	return func(cfg *Config) {
		cfg.Segments = store
	}
}

func WithCache(c *cache.Cache) Option {
	return func(cfg *Config) {
		cfg.Cache = c
	}
}

func WithCodec(c codec.Codec) Option {
	return func(cfg *Config) {
		cfg.Codec = c
	}
}

// WithColdReader enables the cold tier fallback on reads.
func WithColdReader(r ColdReader) Option {
	return func(cfg *Config) {
		cfg.Cold = r
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(cfg *Config) {
		cfg.Now = now
	}
}

func NewConfig(opts ...Option) Config {
	cfg := Config{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
