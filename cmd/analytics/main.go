// cmd/analytics/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"libralend/internal/analytics"
	"libralend/internal/clients"
	"libralend/internal/config"
	"libralend/internal/health"
	"libralend/internal/httpx"
	"libralend/internal/logger"
	"libralend/internal/observability"
)

func main() {
	cfg, err := config.LoadAnalytics()
	if err != nil {
		fmt.Fprintf(os.Stderr, "analytics: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analytics: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Fatal("analytics service stopped", "error", err)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg config.Analytics) error {
	shutdown := observability.Init(ctx, log, "analytics")
	defer shutdown(context.Background())

	clientOpts := []clients.Option{clients.WithTimeout(cfg.ClientTimeout), clients.WithLogger(log)}
	users := clients.NewIdentityClient(cfg.IdentityURL, clientOpts...)
	books := clients.NewCatalogClient(cfg.CatalogURL, clientOpts...)
	loans := clients.NewLendingClient(cfg.LendingURL, clientOpts...)

	targets := []health.Target{
		{Name: "identity", Pinger: users},
		{Name: "catalog", Pinger: books},
		{Name: "lending", Pinger: loans},
	}
	opts := []analytics.Option{
		analytics.WithFieldTimeout(cfg.FieldTimeout),
		analytics.WithConcurrency(cfg.Concurrency),
		analytics.WithLowStockThreshold(cfg.LowStockThreshold),
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		cache := analytics.NewRedisCache(rdb)
		if err := cache.Ping(ctx); err != nil {
			log.Warn("report cache unreachable at startup (continuing)", "addr", cfg.RedisAddr, "error", err)
		}
		targets = append(targets, health.Target{Name: "redis", Pinger: cache})
		opts = append(opts, analytics.WithCache(cache, cfg.CacheTTL))
	}

	prober := health.NewProber(log, cfg.ProbeTimeout, targets...)
	svc := analytics.NewService(users, books, loans, prober, log, opts...)
	router := httpx.NewRouter(log)
	analytics.NewHandler(svc).Routes(router)

	log.Info("starting analytics service",
		"port", cfg.Port, "targets", len(targets), "cache", cfg.RedisAddr != "")
	return httpx.Serve(ctx, log, ":"+cfg.Port, router, cfg.ShutdownTimeout)
}
