// cmd/catalog/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"libralend/internal/catalog"
	"libralend/internal/config"
	"libralend/internal/httpx"
	"libralend/internal/logger"
	"libralend/internal/observability"
)

func main() {
	cfg, err := config.LoadCatalog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Fatal("catalog service stopped", "error", err)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg config.Catalog) error {
	shutdown := observability.Init(ctx, log, "catalog")
	defer shutdown(context.Background())

	var store catalog.Store
	switch cfg.Driver {
	case config.DriverMemory:
		store = catalog.NewMemoryStore()
	default:
		db, err := sqlx.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		pg := catalog.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		store = pg
	}

	svc := catalog.NewService(store, log)
	router := httpx.NewRouter(log)
	catalog.NewHandler(svc).Routes(router)

	log.Info("starting catalog service", "port", cfg.Port, "store", cfg.Driver)
	return httpx.Serve(ctx, log, ":"+cfg.Port, router, cfg.ShutdownTimeout)
}
