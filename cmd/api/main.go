// Copyright (c) 2026 Featherbone. All rights reserved.

// Command api is the entry point for the featherbone HTTP API server.
//
// # Startup Sequence
//
//  1. Initialize structured logger.
//  2. Load configuration from environment variables.
//  3. Connect to PostgreSQL (pgxpool) and Redis.
//  4. Run system-table migrations (idempotent).
//  5. Open the dedicated LISTEN connection and start the event listener.
//  6. Wire the catalog, authorization, CRUD engine, and pipeline.
//  7. Start the HTTP server with graceful shutdown.
//
// No business logic lives here. All wiring is explicit constructor injection.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrogelstad/featherbone-server/internal/api"
	"github.com/jrogelstad/featherbone-server/internal/authz"
	"github.com/jrogelstad/featherbone-server/internal/catalog"
	"github.com/jrogelstad/featherbone-server/internal/crud"
	"github.com/jrogelstad/featherbone-server/internal/events"
	"github.com/jrogelstad/featherbone-server/internal/pipeline"
	"github.com/jrogelstad/featherbone-server/internal/platform/config"
	"github.com/jrogelstad/featherbone-server/internal/platform/constants"
	"github.com/jrogelstad/featherbone-server/internal/platform/migration"
	pgstore "github.com/jrogelstad/featherbone-server/internal/platform/postgres"
	redisstore "github.com/jrogelstad/featherbone-server/internal/platform/redis"
	"github.com/jrogelstad/featherbone-server/internal/platform/sec"
	"github.com/jrogelstad/featherbone-server/internal/settings"
)

func main() {
	// ── 1. Logger ──────────────────────────────────────────────────────────
	// Initialize first so that subsequent startup errors are structured JSON.
	rawLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Add global context to all log entries.
	log := rawLog.With(slog.String("app", constants.AppName))
	slog.SetDefault(log)

	log.Info("service_initializing")

	// ── 2. Configuration ──────────────────────────────────────────────────
	cfg, err := config.Load()
	must(log, err, "load configuration")

	if cfg.Debug {
		debugLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		log = debugLog.With(slog.String("app", constants.AppName))
		slog.SetDefault(log)
		log.Debug("debug_logging_enabled")
	}

	log.Info("configuration_loaded",
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.String("node_id", cfg.NodeID),
	)

	// Root context for startup. Use a 30s deadline so misconfiguration is
	// caught quickly rather than hanging indefinitely.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	// appCtx lives for the whole process and is cancelled on shutdown so
	// background loops (rate limiter cleanup, event listener) stop cleanly.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// ── 3. PostgreSQL ─────────────────────────────────────────────────────
	pool, err := pgstore.NewPool(startupCtx, cfg.DatabaseURL, log)
	must(log, err, "connect to postgres")
	defer func() {
		log.Info("closing postgres pool")
		pool.Close()
	}()

	// ── 4. Redis ──────────────────────────────────────────────────────────
	rdb, err := redisstore.NewClient(startupCtx, cfg.RedisURL, log)
	must(log, err, "connect to redis")
	defer func() {
		log.Info("closing redis client")
		if cerr := rdb.Close(); cerr != nil {
			log.Error("redis close error", slog.Any("error", cerr))
		}
	}()
	sessions := redisstore.NewSessionRegistry(rdb)

	// ── 5. Migrations ─────────────────────────────────────────────────────
	must(log, migration.RunUp(cfg.DatabaseURL, cfg.MigrationPath, log), "run migrations")

	// ── 6. Event Listener ─────────────────────────────────────────────────
	// Notifications for sessions on this node arrive on a dedicated
	// connection; pooled connections cannot LISTEN reliably.
	listenConn, err := pgstore.NewListenConn(startupCtx, cfg.DatabaseURL)
	must(log, err, "open listen connection")
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = listenConn.Close(closeCtx)
	}()

	hub := events.NewHub()
	listener := events.NewListener(listenConn, hub, cfg.NodeID, log)
	go func() {
		if err := listener.Run(appCtx); err != nil {
			log.Error("event listener stopped", slog.Any("error", err))
		}
	}()

	// ── 7. Engine Wiring ──────────────────────────────────────────────────
	cat := catalog.New(pool)
	authSvc := authz.New(cat)
	eventSvc := events.New(cfg.NodeID)
	engine := crud.New(cat, authSvc, eventSvc)
	registry := pipeline.NewRegistry()
	pipe := pipeline.New(pool, cat, engine, eventSvc, registry, log)
	settingsSvc := settings.New(pool)

	tokens, err := sec.NewTokenService(cfg.SessionSecret, constants.AuthIssuer)
	must(log, err, "initialize token service")

	// ── 8. HTTP Server ────────────────────────────────────────────────────
	server := api.NewServer(appCtx, api.Deps{
		Config:   cfg,
		Logger:   log,
		Pool:     pool,
		Catalog:  cat,
		Pipeline: pipe,
		Events:   eventSvc,
		Hub:      hub,
		Sessions: sessions,
		Settings: settingsSvc,
		Tokens:   tokens,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           server.Handler(),
		ReadTimeout:       constants.DefaultReadTimeout,
		ReadHeaderTimeout: constants.DefaultReadHeaderTimeout,
		// SSE streams write indefinitely; the write timeout stays off and
		// slow clients are bounded by the heartbeat instead.
		WriteTimeout: 0,
		IdleTimeout:  constants.DefaultIdleTimeout,
	}

	// ── 9. Graceful Shutdown ──────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server_listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until OS signal or server error.
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server startup error", slog.Any("error", err))
	}

	appCancel()

	// Give in-flight requests enough time to complete.
	log.Info("shutting down server", slog.Duration("timeout", constants.ShutdownTimeout))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("server stopped cleanly")
}

// must logs a structured fatal error and terminates the process if err is non-nil.
//
// It is intentionally limited to startup wiring. After startup, all errors
// must be returned and handled explicitly (never panic).
func must(log *slog.Logger, err error, context string) {
	if err != nil {
		log.Error("startup failure",
			slog.String("context", context),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
}
