package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/leadwire/flowengine/internal/engine"
	"github.com/leadwire/flowengine/internal/executor"
	"github.com/leadwire/flowengine/internal/expressions"
	"github.com/leadwire/flowengine/internal/logging"
	"github.com/leadwire/flowengine/internal/scheduler"
	"github.com/leadwire/flowengine/internal/store"
	"github.com/leadwire/flowengine/internal/webhook"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	exprEngine := expressions.NewExprEngine()
	jqEngine := expressions.NewGoJQEngine()

	registry := executor.NewRegistry()
	if err := executor.RegisterBuiltins(registry, exprEngine, celEngine, jqEngine,
		executor.HTTPConfig{}, cfg.maxDelay()); err != nil {
		return err
	}
	logger.Info("executors registered", "count", registry.Count())

	eng := engine.New(engine.Config{
		Store:              st,
		Registry:           registry,
		Logger:             logger,
		PoolSize:           cfg.PoolSize,
		DefaultNodeTimeout: cfg.nodeTimeout(),
	})
	recovered, err := eng.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Info("recovered interrupted runs", "count", recovered)
	}

	sched := scheduler.NewScheduler(st, eng, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	ingestor := webhook.NewIngestor(st, eng, logger)
	mux := http.NewServeMux()
	webhook.NewHandler(ingestor, logger).Register(mux, cfg.DebugWebhooks)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eng.Metrics())
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "debug_webhooks", cfg.DebugWebhooks)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
