// Package main is the entry point for the message hub server.
//
// It loads configuration, opens the durable stores (PostgreSQL event log and
// the file-backed retry store), wires the delivery pipeline (registry, circuit
// breakers, retry manager, priority queue, router, transaction coordinator),
// starts the background loops, and serves the HTTP API.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM):
// the HTTP listener drains, background loops stop, and the event store WAL is
// flushed before the process exits.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker/v2"

	"github.com/greyhelm/messagehub/internal/api/handlers"
	"github.com/greyhelm/messagehub/internal/breaker"
	"github.com/greyhelm/messagehub/internal/config"
	"github.com/greyhelm/messagehub/internal/core"
	"github.com/greyhelm/messagehub/internal/eventstore"
	"github.com/greyhelm/messagehub/internal/metrics"
	"github.com/greyhelm/messagehub/internal/pqueue"
	"github.com/greyhelm/messagehub/internal/registry"
	"github.com/greyhelm/messagehub/internal/retry"
	"github.com/greyhelm/messagehub/internal/router"
	"github.com/greyhelm/messagehub/internal/txn"
	"github.com/greyhelm/messagehub/internal/types"
)

// compactInterval is how often the event store compaction pass runs. Retention
// itself is configured via EVENT_RETENTION_DAYS; this only paces the sweep.
const compactInterval = 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("message hub starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	// Background context for the long-running loops. Cancelled during
	// shutdown, after the HTTP listener has drained.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable stores.
	pool, err := newDBPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	store, err := retry.OpenStore(cfg.QueueStore.Path)
	if err != nil {
		return fmt.Errorf("opening retry store: %w", err)
	}
	defer store.Close()

	// Delivery pipeline.
	m := metrics.New()

	reg := registry.New(cfg.Health, logger, registry.WithMetrics(m))

	breakers := breaker.NewGroup(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange: func(dest types.ServiceType, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"destination", dest,
				"from", from.String(),
				"to", to.String(),
			)
			m.BreakerState.WithLabelValues(string(dest)).Set(breakerStateValue(to))
		},
	})

	retries := retry.NewManager(cfg.Retry, store, logger, retry.WithMetrics(m))
	queue := pqueue.New(cfg.Queue, logger, pqueue.WithMetrics(m))
	events := eventstore.New(pool, cfg.EventStore, logger, eventstore.WithMetrics(m))

	rtr := router.New(reg, breakers, retries, logger,
		router.WithEvents(events),
		router.WithMetrics(m),
	)

	txns := txn.New(cfg.Transaction, rtr, logger, txn.WithMetrics(m))

	// Background loops.
	go reg.RunHealthChecks(ctx)
	go reg.RunDependencyChecks(ctx)
	go events.Run(ctx)
	go retries.Run(ctx, rtr.Redeliver)
	go queue.RunSweep(ctx)
	go txns.RunReaper(ctx)
	go runCompaction(ctx, events, logger)

	// HTTP surface.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = m
	srv.MetricsHandler = m.Handler()
	srv.HealthProbes = []core.HealthProbe{
		core.NewProbe("database", func(ctx context.Context) error {
			return pool.Ping(ctx)
		}),
		core.NewProbe("retry_store", func(ctx context.Context) error {
			_, _, err := store.Counts()
			return err
		}),
		core.NewProbe("service_dependencies", func(ctx context.Context) error {
			if !reg.CriticalDependenciesSatisfied() {
				return errors.New("critical service dependency unsatisfied")
			}
			return nil
		}),
	}

	messageHandler := handlers.NewMessageHandler(rtr, queue, logger)
	serviceHandler := handlers.NewServiceHandler(reg, logger)
	retryHandler := handlers.NewRetryHandler(retries, logger)
	eventHandler := handlers.NewEventHandler(events, logger)
	txnHandler := handlers.NewTransactionHandler(txns, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		messageHandler.RegisterRoutes,
		serviceHandler.RegisterRoutes,
		retryHandler.RegisterRoutes,
		eventHandler.RegisterRoutes,
		txnHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger, func(shutdownCtx context.Context) {
		// Stop the background loops, then persist what the WAL still holds.
		cancel()
		if err := events.Flush(shutdownCtx); err != nil {
			logger.Error("final event store flush failed", "error", err)
		}
	})
}

// newDBPool builds the PostgreSQL connection pool for the event store.
func newDBPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.HealthCheckPeriod = cfg.HealthCheckPeriod
	pc.ConnConfig.ConnectTimeout = cfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// runCompaction triggers an event store compaction pass once per interval.
func runCompaction(ctx context.Context, events *eventstore.Store, logger *slog.Logger) {
	ticker := time.NewTicker(compactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := events.Compact(ctx)
			if err != nil {
				logger.Error("scheduled compaction failed", "error", err)
				continue
			}
			logger.Info("scheduled compaction finished",
				"streams_compacted", result.StreamsCompacted,
				"events_deleted", result.EventsDeleted,
			)
		}
	}
}

// runHTTPServer starts the server in HTTP mode with graceful shutdown. The
// onDrain hook runs after the listener has stopped accepting requests but
// before the process exits, so final flushes see a quiesced pipeline.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger, onDrain func(ctx context.Context)) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if onDrain != nil {
		onDrain(ctx)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// breakerStateValue maps a breaker state onto the gauge scale
// (0=closed, 1=half-open, 2=open).
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
