// cmd/chaos/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"libralend/internal/analytics"
	"libralend/internal/chaos"
	"libralend/internal/clients"
	"libralend/internal/config"
	"libralend/internal/health"
	"libralend/internal/logger"
	"libralend/internal/observability"
)

func main() {
	cfg, err := config.LoadChaos()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chaos: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chaos: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.Init(ctx, log, "chaos")
	defer shutdown(context.Background())

	clientOpts := []clients.Option{clients.WithTimeout(cfg.ClientTimeout), clients.WithLogger(log)}
	users := clients.NewIdentityClient(cfg.IdentityURL, clientOpts...)
	books := clients.NewCatalogClient(cfg.CatalogURL, clientOpts...)
	loans := clients.NewLendingClient(cfg.LendingURL, clientOpts...)

	// The aggregator under test reaches the catalog through the fault switch.
	fault := chaos.NewTransport(nil)
	faultyBooks := clients.NewCatalogClient(cfg.CatalogURL, append(clientOpts, clients.WithTransport(fault))...)
	prober := health.NewProber(log, health.DefaultTimeout,
		health.Target{Name: "identity", Pinger: users},
		health.Target{Name: "catalog", Pinger: faultyBooks},
		health.Target{Name: "lending", Pinger: loans},
	)
	reports := analytics.NewService(users, faultyBooks, loans, prober, log)

	engine := chaos.NewEngine(log)
	engine.RegisterDrills(chaos.Drills{
		Services:     chaos.Services{Identity: users, Catalog: books, Lending: loans},
		Reports:      reports,
		CatalogFault: fault,
		Contenders:   cfg.Contenders,
		Observation:  cfg.Observation,
	})

	_, err = engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "libralend game day",
		Scenarios: engine.Experiments(),
		Pause:     cfg.Pause,
	})
	switch {
	case errors.Is(err, chaos.ErrHypothesisViolated):
		log.Error("game day found violations", "error", err)
		os.Exit(2)
	case err != nil:
		log.Fatal("game day aborted", "error", err)
	}
	log.Info("game day passed")
}
