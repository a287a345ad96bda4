package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"pingrobot/internal/api"
	"pingrobot/internal/config"
	"pingrobot/internal/executor"
	"pingrobot/internal/logging"
	"pingrobot/internal/scheduler"
	"pingrobot/internal/storage"
	"pingrobot/internal/storage/filestore"
	"pingrobot/internal/storage/postgres"
	"pingrobot/internal/storage/sqlite"
	"pingrobot/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pingrobot: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Storer, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.DatabaseURL)
	case config.DriverFile:
		return filestore.New(cfg.DataDir)
	default:
		return sqlite.New(ctx, cfg.DatabaseURL)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	// Canceled on SIGINT or SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("driver", cfg.StorageDriver).Msg("opening store")
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s storage: %w", cfg.StorageDriver, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	exec := executor.New(executor.Options{
		Timeout:            cfg.HTTPTimeout,
		InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		RequestsPerSecond:  cfg.MaxRequestsPerSecond,
		Metrics:            metrics,
	})
	sched := scheduler.New(scheduler.Deps{
		Schedules: store,
		Targets:   store,
		Runs:      store,
		Executor:  exec,
	}, scheduler.Options{
		Tick:           cfg.TickInterval,
		DueTolerance:   dueTolerance(cfg),
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         log,
		Metrics:        metrics,
	})
	server := api.NewServer(cfg.HTTPPort, api.NewRouter(store, reg, logging.Component(log, "api")), log)

	sched.Start(ctx)
	serverErr := server.Start()
	log.Info().
		Str("port", cfg.HTTPPort).
		Dur("tick", cfg.TickInterval).
		Dur("due_tolerance", cfg.DueTolerance).
		Dur("http_timeout", exec.Timeout()).
		Msg("pingrobot is running")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("http server failed")
	}

	return shutdown(cfg, sched, server, log)
}

// dueTolerance maps a configured zero to the scheduler's explicit no-tolerance value.
func dueTolerance(cfg *config.Config) time.Duration {
	if cfg.DueTolerance == 0 {
		return scheduler.NoDueTolerance
	}
	return cfg.DueTolerance
}

func shutdown(cfg *config.Config, sched *scheduler.Scheduler, server *api.Server, log zerolog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Stop scheduling first; in-flight pings finish and are recorded.
	sched.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown error: %w", err)
	}
	log.Info().Msg("shut down gracefully")
	return nil
}
