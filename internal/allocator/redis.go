package allocator

import (
	"context"
	"log/slog"
	"objcache/internal/types"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisConfig holds the connection settings for NewRedisPool.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxIdle      int
	MaxActive    int
	IdleTimeout  time.Duration
}

// NewRedisPool builds a connection pool for the redis counter store.
func NewRedisPool(cfg RedisConfig) *redis.Pool {
	return &redis.Pool{
		Dial: func() (redis.Conn, error) {
			conn, err := redis.Dial("tcp", cfg.Addr,
				redis.DialConnectTimeout(cfg.DialTimeout),
				redis.DialReadTimeout(cfg.ReadTimeout),
				redis.DialWriteTimeout(cfg.WriteTimeout),
				redis.DialPassword(cfg.Password),
				redis.DialDatabase(cfg.DB),
			)
			if err != nil {
				slog.Error("Error connecting to redis", "addr", cfg.Addr, "err", err)
				return nil, err
			}
			return conn, nil
		},
		MaxIdle:     cfg.MaxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: cfg.IdleTimeout,
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Redis keeps one INCRBY counter per (collection, day).
type Redis struct {
	pool *redis.Pool
	opts options
}

func NewRedis(pool *redis.Pool, opts ...Option) *Redis {
	return &Redis{pool: pool, opts: newOptions(opts)}
}

func (r *Redis) key(collection string, day time.Time) string {
	return "objcache:offset:" + collection + ":" + dayKey(day)
}

func (r *Redis) Allocate(ctx context.Context, collection string, length int64) (types.Range, error) {
	return r.AllocateOn(ctx, collection, r.opts.now(), length)
}

func (r *Redis) AllocateOn(ctx context.Context, collection string, day time.Time, length int64) (types.Range, error) {
	if err := validate(collection, length); err != nil {
		return types.Range{}, err
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return types.Range{}, unavailable("redis connect", err)
	}
	defer conn.Close()

	total, err := redis.Int64(conn.Do("INCRBY", r.key(collection, day), length))
	if err != nil {
		return types.Range{}, unavailable("redis incrby", err)
	}

	return rangeFromTotal(total, length)
}

func (r *Redis) Close() error {
	return r.pool.Close()
}
