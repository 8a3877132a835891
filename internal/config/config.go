// Package config loads the YAML configuration file of the objcache server.
package config

import (
	"errors"
	"fmt"
	"objcache/internal/codec"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Allocator backends.
const (
	AllocatorSQLite   = "sqlite"
	AllocatorRedis    = "redis"
	AllocatorDynamoDB = "dynamodb"
)

// Cold tier backends. ColdTierLocal runs the built-in store in process.
const (
	ColdTierNone  = "none"
	ColdTierLocal = "local"
	ColdTierMinio = "minio"
	ColdTierS3    = "s3"
)

var ErrInvalid = errors.New("invalid configuration")

type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	// DataDir is the root every relative path below is resolved against.
	DataDir     string `yaml:"data_dir"`
	SegmentDir  string `yaml:"segment_dir"`
	Compression string `yaml:"compression"`
}

type CacheConfig struct {
	Dir        string `yaml:"dir"`
	LimitBytes int64  `yaml:"limit_bytes"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	MaxIdle     int           `yaml:"max_idle"`
	MaxActive   int           `yaml:"max_active"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Timeout     time.Duration `yaml:"timeout"`
}

type DynamoDBConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type AllocatorConfig struct {
	Backend    string         `yaml:"backend"`
	SQLitePath string         `yaml:"sqlite_path"`
	Redis      RedisConfig    `yaml:"redis"`
	DynamoDB   DynamoDBConfig `yaml:"dynamodb"`
}

type ColdTierConfig struct {
	Backend   string `yaml:"backend"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`

	// LocalDir and LocalListen configure the built-in store.
	LocalDir    string `yaml:"local_dir"`
	LocalListen string `yaml:"local_listen"`

	// ReadThrough serves ranges missing locally from the cold tier.
	ReadThrough       bool `yaml:"read_through"`
	UploadConcurrency int  `yaml:"upload_concurrency"`
}

type ArchiveConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Allocator AllocatorConfig `yaml:"allocator"`
	ColdTier  ColdTierConfig  `yaml:"cold_tier"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Listen:            ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:     "data",
			Compression: "zstd",
		},
		Cache: CacheConfig{
			LimitBytes: 1 << 30,
		},
		Allocator: AllocatorConfig{
			Backend: AllocatorSQLite,
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				MaxIdle:     16,
				IdleTimeout: 5 * time.Minute,
				Timeout:     5 * time.Second,
			},
			DynamoDB: DynamoDBConfig{
				Table: "objcache-offsets",
			},
		},
		ColdTier: ColdTierConfig{
			Backend:           ColdTierLocal,
			Bucket:            "objcache-archive",
			Region:            "us-east-1",
			LocalListen:       "127.0.0.1:9000",
			AccessKey:         "objcache",
			SecretKey:         "objcache-secret",
			ReadThrough:       true,
			UploadConcurrency: 4,
		},
		Archive: ArchiveConfig{
			Enabled:     true,
			Interval:    10 * time.Minute,
			Concurrency: 2,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve fills the paths derived from Storage.DataDir.
func (c *Config) Resolve() {
	resolve := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.Storage.DataDir, name)
		} else if !filepath.IsAbs(*p) {
			*p = filepath.Join(c.Storage.DataDir, *p)
		}
	}
	resolve(&c.Storage.SegmentDir, "segments")
	resolve(&c.Cache.Dir, "cache")
	resolve(&c.Allocator.SQLitePath, "offsets.sqlite")
	resolve(&c.ColdTier.LocalDir, "cold")
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.LogLevel)) {
		add("log_level %q", c.LogLevel)
	}
	if c.Server.Listen == "" {
		add("server.listen is empty")
	}
	if c.Storage.DataDir == "" {
		add("storage.data_dir is empty")
	}
	if _, err := codec.Lookup(c.Storage.Compression); err != nil {
		add("storage.compression: %v", err)
	}
	if c.Cache.LimitBytes <= 0 {
		add("cache.limit_bytes must be positive")
	}

	switch c.Allocator.Backend {
	case AllocatorSQLite:
	case AllocatorRedis:
		if c.Allocator.Redis.Addr == "" {
			add("allocator.redis.addr is empty")
		}
	case AllocatorDynamoDB:
		if c.Allocator.DynamoDB.Table == "" {
			add("allocator.dynamodb.table is empty")
		}
	default:
		add("allocator.backend %q", c.Allocator.Backend)
	}

	switch c.ColdTier.Backend {
	case ColdTierNone:
	case ColdTierLocal:
		if c.ColdTier.LocalListen == "" {
			add("cold_tier.local_listen is empty")
		}
	case ColdTierMinio:
		if c.ColdTier.Endpoint == "" {
			add("cold_tier.endpoint is empty")
		}
	case ColdTierS3:
	default:
		add("cold_tier.backend %q", c.ColdTier.Backend)
	}
	if c.ColdTier.Backend != ColdTierNone && c.ColdTier.Bucket == "" {
		add("cold_tier.bucket is empty")
	}

	if c.Archive.Enabled {
		if c.ColdTier.Backend == ColdTierNone {
			add("archive.enabled requires a cold tier")
		}
		if c.Archive.Interval <= 0 {
			add("archive.interval must be positive")
		}
	}

	return errors.Join(errs...)
}
