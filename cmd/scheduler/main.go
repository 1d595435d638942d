package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fairqueue/scheduler/internal/config"
	"github.com/fairqueue/scheduler/internal/handler"
	"github.com/fairqueue/scheduler/internal/handler/iam"
	"github.com/fairqueue/scheduler/internal/handler/iot"
	"github.com/fairqueue/scheduler/internal/poller"
	"github.com/fairqueue/scheduler/internal/registry"
	"github.com/fairqueue/scheduler/internal/storage/postgres"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	store := postgres.New(db)

	reg, err := buildRegistry(cfg, log)
	if err != nil {
		log.Fatal("build registry", zap.Error(err))
	}

	p := poller.New(store, reg, cfg.TickInterval, cfg.MaxRetries, log)

	log.Info("scheduler starting",
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Strings("services", reg.Services()),
	)
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("poller exited", zap.Error(err))
	}
	log.Info("scheduler stopped")
}

// buildRegistry wires each configured service name to a handler. New
// downstream services get a branch here; this is the seam where the
// real IAM/IOT clients (out of scope for this repo) would replace the
// simulated ones.
func buildRegistry(cfg config.Config, log *zap.Logger) (*registry.Registry, error) {
	var policies []registry.Policy
	for _, sp := range cfg.Services {
		policies = append(policies, registry.Policy{
			ServiceName:    sp.ServiceName,
			PerSKULimit:    sp.PerSKULimit,
			MaxConcurrency: sp.MaxConcurrency,
			Handler:        resolveHandler(sp.ServiceName, log),
		})
	}
	return registry.New(policies...)
}

func resolveHandler(service string, log *zap.Logger) handler.Handler {
	named := log.With(zap.String("service", service))
	switch service {
	case "iam":
		return iam.New(named, defaultSimulatedLatency)
	case "iot":
		return iot.New(named, defaultSimulatedLatency)
	default:
		return iam.New(named, defaultSimulatedLatency)
	}
}

const defaultSimulatedLatency = 200_000_000 // 200ms, in time.Duration units
