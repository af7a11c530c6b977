// Command davshared runs the collection sharing server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davshare/davshare/acl"
	"github.com/davshare/davshare/api"
	"github.com/davshare/davshare/config"
	"github.com/davshare/davshare/metrics"
	"github.com/davshare/davshare/notify"
	"github.com/davshare/davshare/scheduling"
	"github.com/davshare/davshare/sharing"
	"github.com/davshare/davshare/storage"
	"github.com/davshare/davshare/storage/memory"
	"github.com/davshare/davshare/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Storage
	if cfg.DB.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.DB.DSN)
		if err != nil {
			logger.Error("failed to create db pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := postgres.ApplyMigrations(ctx, pool); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		store = postgres.New(pool)
		logger.Info("using postgres store")
	} else {
		store = memory.New()
		logger.Info("using in-memory store, data will not survive restarts")
	}

	hub := notify.NewHub(logger)
	go hub.Run()

	var broker notify.Broker = notify.NewMemoryBroker()
	if cfg.WebsocketEnabled {
		broker = notify.NewHubBroker(hub)
	}
	notifier := notify.NewNotifier(broker, logger)
	defer notifier.Close()

	aclEngine := acl.NewEngine(store, logger)
	scheduler := scheduling.NewEngine(store, logger)
	projector := sharing.New(store, aclEngine, scheduler, notifier, logger)

	handler := api.NewHandler(projector, aclEngine, scheduler, store, logger)

	r := chi.NewRouter()
	r.Mount("/", handler.Routes())
	if cfg.PrometheusEnabled {
		r.Handle("/metrics", metrics.Handler())
	}
	if cfg.WebsocketEnabled {
		r.Get("/ws", hub.ServeWS)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
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
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
