// cmd/api/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"libralend/internal/config"
	"libralend/internal/gateway"
	"libralend/internal/httpx"
	"libralend/internal/logger"
	"libralend/internal/observability"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		fmt.Fprintf(os.Stderr, "api: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "api: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.Init(ctx, log, "api-gateway")
	defer shutdown(context.Background())

	handler, err := gateway.NewHandler(log, rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		gateway.Route{Name: "identity", Upstream: cfg.IdentityURL},
		gateway.Route{Name: "catalog", Upstream: cfg.CatalogURL},
		gateway.Route{Name: "lending", Upstream: cfg.LendingURL},
		gateway.Route{Name: "analytics", Upstream: cfg.AnalyticsURL},
	)
	if err != nil {
		log.Fatal("invalid gateway routes", "error", err)
	}

	log.Info("starting api gateway", "port", cfg.Port, "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	if err := httpx.Serve(ctx, log, ":"+cfg.Port, handler, cfg.ShutdownTimeout); err != nil {
		log.Fatal("api gateway stopped", "error", err)
	}
}
