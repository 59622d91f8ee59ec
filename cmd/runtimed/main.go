// Package main is the runtimed daemon. It keeps the external runtime's
// distribution in sync, supervises the runtime process and exposes a
// control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/runtimed/internal/api"
	"github.com/kandev/runtimed/internal/artifacts"
	"github.com/kandev/runtimed/internal/common/config"
	"github.com/kandev/runtimed/internal/common/logger"
	"github.com/kandev/runtimed/internal/events/bus"
	"github.com/kandev/runtimed/internal/history"
	"github.com/kandev/runtimed/internal/metrics"
	"github.com/kandev/runtimed/internal/supervisor"
	"github.com/kandev/runtimed/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

var configDirFlag = flag.String("config", "", "Directory containing config.yaml")

func main() {
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configDirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("runtimed exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting runtimed...",
		zap.String("data_dir", cfg.Runtime.DataDir),
		zap.Bool("runtime_enabled", cfg.Runtime.Enabled),
		zap.Bool("tracing", tracing.Enabled()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Metrics
	var collector metrics.Collector = metrics.Nop{}
	var promCollector *metrics.PrometheusCollector
	if cfg.Metrics.Enabled {
		promCollector = metrics.NewPrometheusCollector(cfg.Metrics.Namespace)
		collector = promCollector
	}

	// 4. Event bus (NATS if configured, otherwise in-memory)
	eventBus, err := provideEventBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	// 5. History store
	store, closeHistory, err := provideHistory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeHistory()

	// 6. Artifact sync
	syncOpts := []artifacts.Option{
		artifacts.WithMetrics(collector),
		artifacts.WithEventBus(eventBus),
	}
	if store != nil {
		syncOpts = append(syncOpts, artifacts.WithHistory(store))
	}
	syncer := artifacts.New(artifacts.ConfigFrom(cfg), log, syncOpts...)
	if cfg.Sync.SyncOnStart && cfg.Sync.SubscriptionURL != "" {
		syncOnBoot(ctx, syncer, cfg.Sync.SubscriptionURL, log)
	}

	// 7. Supervisor
	deps := supervisor.Deps{Bus: eventBus, Metrics: collector}
	if store != nil {
		deps.History = store
	}
	sup, stopRuntime, err := supervisor.Provide(cfg, log, deps)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}
	defer func() { _ = stopRuntime() }()

	// 8. Control API
	var server *api.Server
	if cfg.Server.Enabled {
		handlerOpts := []api.HandlerOption{
			api.WithEventBus(eventBus),
			api.WithSubscriptionURL(cfg.Sync.SubscriptionURL),
		}
		if store != nil {
			handlerOpts = append(handlerOpts, api.WithHistory(store))
		}
		if promCollector != nil {
			handlerOpts = append(handlerOpts, api.WithMetricsHandler(promCollector.Handler()))
		}
		router := api.NewRouter(api.NewHandler(sup, syncer, log, handlerOpts...), log)
		server, err = api.Listen(cfg.Server.Addr(), router, log)
		if err != nil {
			return err
		}
	}

	log.Info("runtimed is ready")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var serverErrs <-chan error
	if server != nil {
		serverErrs = server.Errors()
	}
	var runErr error
	select {
	case sig := <-quit:
		log.Info("Shutting down runtimed...", zap.String("signal", sig.String()))
	case err, ok := <-serverErrs:
		if ok {
			runErr = fmt.Errorf("control API: %w", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if err := stopRuntime(); err != nil {
		log.Error("runtime stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("runtimed stopped")
	return runErr
}

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.Events.NATSURL == "" {
		log.Info("Using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	log.Info("Connecting to NATS...", zap.String("url", cfg.Events.NATSURL))
	natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info("Connected to NATS event bus")
	return natsBus, nil
}

func provideHistory(ctx context.Context, cfg *config.Config, log *logger.Logger) (*history.Store, func(), error) {
	if !cfg.History.Enabled {
		return nil, func() {}, nil
	}
	pool, err := history.Open(cfg.History, cfg.HistoryPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	store, err := history.NewStore(ctx, pool)
	if err != nil {
		_ = pool.Close()
		return nil, nil, fmt.Errorf("init history: %w", err)
	}
	log.Info("History store ready", zap.String("driver", cfg.History.Driver))
	return store, func() {
		if err := store.Close(); err != nil {
			log.Warn("history close error", zap.Error(err))
		}
	}, nil
}

// syncOnBoot refreshes the distribution before the supervisor's first start.
// A failed sync leaves the installed files in place.
func syncOnBoot(ctx context.Context, syncer *artifacts.Synchronizer, rawURL string, log *logger.Logger) {
	var last int
	updated, err := syncer.SyncFromSubscription(ctx, rawURL, func(f float64) {
		if pct := int(f * 100); pct >= last+25 || pct == 100 {
			last = pct
			log.Info("sync progress", zap.Int("percent", pct))
		}
	})
	if err != nil {
		log.Warn("boot sync failed; keeping installed runtime", zap.Error(err))
		return
	}
	log.Info("boot sync finished", zap.Bool("updated", updated))
}
