// Command movementd serves the movement simulation engine: the REST control
// surface, the websocket feed, Prometheus metrics, and the background
// store cleanup, over a SQLite-backed session store with an in-memory
// fallback.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rescuegrid/movement-simulator/core"
	"github.com/rescuegrid/movement-simulator/internal/api"
	"github.com/rescuegrid/movement-simulator/internal/broadcast"
	"github.com/rescuegrid/movement-simulator/internal/clock"
	"github.com/rescuegrid/movement-simulator/internal/config"
	"github.com/rescuegrid/movement-simulator/internal/logging"
	"github.com/rescuegrid/movement-simulator/internal/movement"
	"github.com/rescuegrid/movement-simulator/internal/observability"
	"github.com/rescuegrid/movement-simulator/internal/resource"
	"github.com/rescuegrid/movement-simulator/internal/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Environ())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, nil); err != nil {
		log.Error(ctx, "movementd exited", logging.Err(err))
		os.Exit(1)
	}
}

// run wires the engine and serves until ctx is cancelled. A non-nil lis
// overrides cfg.ListenAddr so tests can bind to an ephemeral port.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewMovementCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics collector: %w", err)
	}
	hubCollector, err := observability.NewHubCollector(nil)
	if err != nil {
		return fmt.Errorf("init hub metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)

	st, fallback, err := openStore(cfg, log, collector)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn(context.Background(), "store close failed", logging.Err(err))
		}
	}()

	hub := broadcast.NewHub(log, broadcast.WithMetricsRecorder(hubCollector))
	registry := resource.NewRegistry(log)
	resolver := core.NewSpeedResolver(
		core.WithAttributeSource(registry),
		core.WithSpeedTable(cfg.SpeedOverrides),
		core.WithSpeedLogger(log),
	)

	mgr := movement.NewManager(st, resolver, log,
		movement.WithTickInterval(cfg.TickInterval),
		movement.WithPublisher(hub),
		movement.WithMetricsRecorder(collector),
	)

	// Sessions interrupted by a previous shutdown resume before the API
	// accepts new work.
	recovered, err := mgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	if recovered > 0 {
		log.Info(ctx, "recovered active sessions", logging.Int("count", recovered))
	}

	batches := movement.NewBatchService(mgr, log)

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	go store.RunCleanup(cleanupCtx, st, clock.System(), cfg.CleanupInterval, cfg.Retention, log)

	opts := []api.Option{
		api.WithLogger(log),
		api.WithMetrics(collector),
		api.WithWebsocket(hub),
	}
	if fallback != nil {
		opts = append(opts, api.WithHealthProber(fallback))
	}
	server := api.NewServer(mgr, batches, resolver, registry, opts...)

	if lis == nil {
		lis, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
	}

	httpSrv := &http.Server{Handler: server.Router()}
	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "serving movement API",
			logging.String("addr", lis.Addr().String()),
			logging.Duration("tick_interval", cfg.TickInterval))
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down movementd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http drain failed", logging.Err(err))
	}
	if err := batches.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "batch service close failed", logging.Err(err))
	}
	// Loops persist their current position on the way out, so sessions
	// resume from here after a restart.
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "manager close failed", logging.Err(err))
	}
	hub.Close()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return <-serveErr
}

// openStore builds the session store stack. With a store path the durable
// SQLite store is wrapped in the memory fallback; without one sessions live
// only in process memory.
func openStore(cfg config.Config, log logging.Logger, rec store.StoreMetricsRecorder) (store.Store, *store.FallbackStore, error) {
	if cfg.StorePath == "" {
		log.Warn(context.Background(), "no store path configured, sessions will not survive restarts")
		return store.NewMemoryStore(), nil, nil
	}

	primary, err := store.NewSQLiteStore(cfg.StorePath, store.WithRetention(cfg.Retention))
	if err != nil {
		return nil, nil, fmt.Errorf("open session store %s: %w", cfg.StorePath, err)
	}
	fallback := store.NewFallbackStore(primary, nil, log, store.WithStoreMetrics(rec))
	return fallback, fallback, nil
}

func serveMetrics(addr string, collector *observability.MovementCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
