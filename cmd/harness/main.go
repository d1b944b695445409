// Package main runs a harness scenario against a cluster and prints the
// per-trial summary. It exits non-zero when the run fails.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/glmharness/internal/cache"
	"github.com/kiranshivaraju/glmharness/internal/cluster"
	"github.com/kiranshivaraju/glmharness/internal/config"
	"github.com/kiranshivaraju/glmharness/internal/store"
	"github.com/kiranshivaraju/glmharness/internal/trial"
)

// errRunFailed marks a run that completed but did not pass.
var errRunFailed = errors.New("run failed")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(os.Stdout); err != nil {
		slog.Error("harness failed", "error", err)
		os.Exit(1)
	}
}

func run(out io.Writer) error {
	// 1. Load config and scenario. Both fail fast.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sc, err := config.LoadScenario(cfg.Scenario)
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Env,
		"cluster", cfg.Cluster.BaseURL,
		"scenario", cfg.Scenario,
		"trials", sc.TrialCount(),
		"labels", len(sc.Labels),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := cluster.NewHTTPClient(cluster.Options{
		BaseURL:        cfg.Cluster.BaseURL,
		Token:          cfg.Cluster.Token,
		Timeout:        cfg.Cluster.Timeout,
		RequestsPerSec: cfg.Cluster.RequestsPerSec,
	})
	opts := []trial.Option{}

	// 2. Optional run ledger.
	if cfg.Database.URL != "" {
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database connected, migrations applied")
		opts = append(opts, trial.WithRecorder(store.NewPostgresStore(pool)))
	}

	// 3. Optional live status cache.
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
		opts = append(opts, trial.WithStatusCache(redisCache))
	}

	// 4. Run and report.
	report, err := trial.New(client, *sc, opts...).Run(ctx)
	if err != nil {
		return err
	}
	if err := report.Render(out); err != nil {
		return fmt.Errorf("render report: %w", err)
	}

	if report.Failed(sc.FailOnSoftTimeout) {
		return fmt.Errorf("%w: %d of %d trials fatal", errRunFailed, report.FatalCount(), len(report.Trials))
	}
	return nil
}
