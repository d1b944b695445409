// Package main serves the in-memory reference cluster over the job API so the
// harness can be exercised without a real cluster.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/glmharness/internal/api"
	"github.com/kiranshivaraju/glmharness/internal/api/handler"
	mw "github.com/kiranshivaraju/glmharness/internal/api/middleware"
	"github.com/kiranshivaraju/glmharness/internal/config"
	"github.com/kiranshivaraju/glmharness/internal/fakecluster"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("fake cluster failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFakeCluster()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Env,
		"files", cfg.FakeCluster.Files,
		"columns", cfg.FakeCluster.Columns,
		"auth", cfg.FakeCluster.TokenHash != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := newRouter(cfg.FakeCluster, newEngine(cfg.FakeCluster))

	addr := fmt.Sprintf(":%d", cfg.FakeCluster.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

func newEngine(cfg config.FakeClusterConfig) *fakecluster.Engine {
	return fakecluster.NewEngine(fakecluster.Options{
		Files:        cfg.Files,
		Rows:         cfg.Rows,
		Columns:      cfg.Columns,
		RunningPolls: cfg.RunningPolls,
	})
}

func newRouter(cfg config.FakeClusterConfig, e *fakecluster.Engine) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(cfg.TokenHash),
		RateLimit:     mw.NewRateLimit(cfg.RequestsPerSec),
		HealthHandler: handler.NewHealthHandler(e),
		SubmitHandler: handler.NewSubmitHandler(e),
		PollHandler:   handler.NewPollHandler(e),
		KeysHandler:   handler.NewKeysHandler(e),
	})
}
