package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"objcache/internal/allocator"
	"objcache/internal/coldstore"
	"objcache/internal/coldtier"
	"objcache/internal/config"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

func openAllocator(ctx context.Context, cfg config.AllocatorConfig) (allocator.Allocator, error) {
	switch cfg.Backend {
	case config.AllocatorRedis:
		pool := allocator.NewRedisPool(allocator.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.Timeout,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
			MaxIdle:      cfg.Redis.MaxIdle,
			MaxActive:    cfg.Redis.MaxActive,
			IdleTimeout:  cfg.Redis.IdleTimeout,
		})
		slog.Info("Using redis offset allocator", "addr", cfg.Redis.Addr)
		return allocator.NewRedis(pool), nil

	case config.AllocatorDynamoDB:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.DynamoDB.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.DynamoDB.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
			}
		})
		slog.Info("Using dynamodb offset allocator", "table", cfg.DynamoDB.Table)
		return allocator.NewDynamo(client, cfg.DynamoDB.Table), nil

	default:
		a, err := allocator.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("Using sqlite offset allocator", "path", cfg.SQLitePath)
		return a, nil
	}
}

// localColdStore is the built-in S3 endpoint, listening but not yet serving.
type localColdStore struct {
	store    *coldstore.Server
	listener net.Listener
	server   *http.Server
}

func startLocalColdStore(ctx context.Context, cfg config.ColdTierConfig) (*localColdStore, error) {
	store, err := coldstore.New(ctx, cfg.LocalDir, coldstore.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to open local cold store: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.LocalListen)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.LocalListen, err)
	}

	return &localColdStore{
		store:    store,
		listener: listener,
		server: &http.Server{
			Handler:           store.Handler(),
			ReadHeaderTimeout: 20 * time.Second,
		},
	}, nil
}

func (l *localColdStore) Addr() string {
	return l.listener.Addr().String()
}

// openColdTier returns nil when the cold tier is disabled. A local store is
// returned alongside the client when one was started.
func openColdTier(ctx context.Context, cfg config.ColdTierConfig) (coldtier.Client, *localColdStore, error) {
	switch cfg.Backend {
	case config.ColdTierNone:
		return nil, nil, nil

	case config.ColdTierS3:
		client, err := coldtier.NewS3ClientFromConfig(ctx, coldtier.S3Config{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
		return client, nil, err

	case config.ColdTierMinio:
		client, err := coldtier.NewMinioClient(coldtier.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			Secure:    cfg.Secure,
		})
		return client, nil, err

	default:
		local, err := startLocalColdStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		client, err := coldtier.NewMinioClient(coldtier.MinioConfig{
			Endpoint:  local.Addr(),
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
		})
		if err != nil {
			_ = local.listener.Close()
			_ = local.store.Close()
			return nil, nil, err
		}
		return client, local, nil
	}
}
