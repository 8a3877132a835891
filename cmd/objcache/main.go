package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"objcache/internal/archive"
	"objcache/internal/cache"
	"objcache/internal/codec"
	"objcache/internal/coldtier"
	"objcache/internal/config"
	"objcache/internal/core"
	"objcache/internal/metrics"
	"objcache/internal/segment"
	"objcache/internal/server"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func Run(ctx context.Context) error {

	configPath := flag.String("config", "", "path to the YAML configuration file")
	listen := flag.String("listen", "", "HTTP listen address (overrides server.listen)")
	dataDir := flag.String("data-dir", "", "directory to store data in (overrides storage.data_dir)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}
	cfg.Storage.DataDir = absDataDir
	cfg.Resolve()

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	c, err := codec.Lookup(cfg.Storage.Compression)
	if err != nil {
		return err
	}

	alloc, err := openAllocator(ctx, cfg.Allocator)
	if err != nil {
		return fmt.Errorf("failed to open allocator: %w", err)
	}
	defer alloc.Close()

	store, err := segment.New(cfg.Storage.SegmentDir, segment.WithExtension(c.Extension()))
	if err != nil {
		return fmt.Errorf("failed to open segment store: %w", err)
	}
	defer store.Close()

	localCache, err := cache.New(cfg.Cache.Dir, cfg.Cache.LimitBytes, cache.WithEvictHook(func(uid string, size int64) {
		m.CacheEvicted()
	}))
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	if err := localCache.Load(); err != nil {
		return fmt.Errorf("failed to load cache: %w", err)
	}
	m.CacheUsed(localCache.Used())
	slog.Info("Cache loaded", "entries", localCache.Len(), "bytes", localCache.Used(), "limit", localCache.Limit())

	client, local, err := openColdTier(ctx, cfg.ColdTier)
	if err != nil {
		return fmt.Errorf("failed to open cold tier: %w", err)
	}
	if local != nil {
		defer local.store.Close()
	}

	opts := []core.Option{
		core.WithAllocator(alloc),
		core.WithSegmentStore(store),
		core.WithCache(localCache),
		core.WithCodec(c),
		core.WithMetrics(m),
	}
	var serverOpts []server.Option
	var archiver *archive.Archiver

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	// abort stops what was started before returning a setup error.
	abort := func(err error) error {
		cancel()
		_ = eg.Wait()
		return err
	}

	if local != nil {
		eg.Go(func() error {
			<-ctx.Done()
			return shutdown(local.server, cfg.Server.ShutdownTimeout)
		})
		eg.Go(func() error {
			slog.Info("Starting local cold store", "addr", local.Addr(), "dir", cfg.ColdTier.LocalDir)
			err := local.server.Serve(local.listener)
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if client != nil {
		if err := client.EnsureBucket(ctx, cfg.ColdTier.Bucket); err != nil {
			return abort(fmt.Errorf("failed to ensure bucket %q: %w", cfg.ColdTier.Bucket, err))
		}
		if cfg.ColdTier.ReadThrough {
			opts = append(opts, core.WithColdReader(coldtier.NewFetcher(client, cfg.ColdTier.Bucket)))
		}
		if cfg.Archive.Enabled {
			uploader := coldtier.NewUploader(client,
				coldtier.WithConcurrency(cfg.ColdTier.UploadConcurrency),
				coldtier.WithObserver(m),
			)
			archiver = archive.New(store, uploader, cfg.ColdTier.Bucket,
				archive.WithConcurrency(cfg.Archive.Concurrency),
				archive.WithObserver(m),
			)
			serverOpts = append(serverOpts, server.WithArchiver(archiver))
		}
	}

	svc, err := core.New(opts...)
	if err != nil {
		return abort(err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.New(svc, append(serverOpts, server.WithGatherer(reg))...).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	eg.Go(func() error {
		<-ctx.Done()
		return shutdown(httpServer, cfg.Server.ShutdownTimeout)
	})

	eg.Go(func() error {
		slog.Info("Starting objcache HTTP server", "addr", cfg.Server.Listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	if archiver != nil {
		eg.Go(func() error {
			slog.Info("Starting archiver", "interval", cfg.Archive.Interval, "bucket", cfg.ColdTier.Bucket)
			return archiver.Run(ctx, cfg.Archive.Interval)
		})
	}

	slog.Info("objcache started", "data_dir", absDataDir, "compression", c.Name(), "allocator", cfg.Allocator.Backend, "cold_tier", cfg.ColdTier.Backend)
	return eg.Wait()
}

func shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("objcache exited with error", "err", err)
		os.Exit(1)
	}
}
