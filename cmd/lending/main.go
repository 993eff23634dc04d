// cmd/lending/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"libralend/internal/clients"
	"libralend/internal/config"
	"libralend/internal/eventstore"
	"libralend/internal/httpx"
	"libralend/internal/lending"
	"libralend/internal/logger"
	"libralend/internal/observability"
)

func main() {
	cfg, err := config.LoadLending()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lending: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lending: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Fatal("lending service stopped", "error", err)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg config.Lending) error {
	shutdown := observability.Init(ctx, log, "lending")
	defer shutdown(context.Background())

	var (
		store   lending.Store
		journal lending.Journal
	)
	switch cfg.Driver {
	case config.DriverMemory:
		store = lending.NewMemoryStore()
		journal = eventstore.NewMemoryStore()
	default:
		db, err := sqlx.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		pg := lending.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		events := eventstore.NewEventStore(db)
		if err := events.Migrate(ctx); err != nil {
			return err
		}
		store, journal = pg, events
	}

	clientOpts := []clients.Option{clients.WithTimeout(cfg.ClientTimeout), clients.WithLogger(log)}
	users := clients.NewIdentityClient(cfg.IdentityURL, clientOpts...)
	books := clients.NewCatalogClient(cfg.CatalogURL, clientOpts...)

	svc := lending.NewService(store, users, books, log,
		lending.WithBorrowLimit(cfg.BorrowLimit),
		lending.WithLoanPeriod(cfg.LoanPeriod),
		lending.WithCallTimeout(cfg.CallTimeout),
		lending.WithJournal(journal),
	)
	router := httpx.NewRouter(log)
	lending.NewHandler(svc).Routes(router)

	log.Info("starting lending service",
		"port", cfg.Port, "store", cfg.Driver,
		"identity_url", cfg.IdentityURL, "catalog_url", cfg.CatalogURL)
	return httpx.Serve(ctx, log, ":"+cfg.Port, router, cfg.ShutdownTimeout)
}
