package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oco_tracker/internal/alert"
	"oco_tracker/internal/config"
	"oco_tracker/internal/core"
	"oco_tracker/internal/infrastructure/health"
	"oco_tracker/internal/infrastructure/metrics"
	"oco_tracker/internal/mock"
	"oco_tracker/internal/reconcile"
	"oco_tracker/internal/state"
	"oco_tracker/internal/tracker"
	"oco_tracker/internal/venue/bridge"
	apperrors "oco_tracker/pkg/errors"
	"oco_tracker/pkg/logging"
	"oco_tracker/pkg/telemetry"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	// .env is optional; real deployments set env vars directly
	_ = godotenv.Load()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		// No bare-bones fallback here: a tracker running with the wrong
		// symbol or endpoints is worse than one that refuses to start.
		panic(err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		panic(err)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting OCO tracker",
		"symbol", cfg.Tracking.Symbol,
		"venue", cfg.Venue.Name)

	tel, err := telemetry.Setup("oco_tracker")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}

	// Snapshot store
	var store core.IStateStore
	switch cfg.Persistence.Backend {
	case "file":
		store, err = state.NewFileStore(cfg.Persistence.Path)
	case "sqlite":
		var s *state.SQLiteStore
		s, err = state.NewSQLiteStore(cfg.Persistence.Path)
		if s != nil {
			defer s.Close()
		}
		store = s
	default:
		store = state.NewMemoryStore()
	}
	if err != nil {
		logger.Fatal("Failed to open snapshot store",
			"backend", cfg.Persistence.Backend,
			"error", err)
	}

	// Venue
	var venue core.IVenue
	var feed *bridge.Feed
	if cfg.Venue.Name == "mock" {
		venue = mock.NewVenue("mock")
		logger.Info("Using MOCK venue for testing")
	} else {
		venue = bridge.NewClient(bridge.Config{
			BaseURL:         cfg.Venue.BaseURL,
			APIKey:          string(cfg.Venue.APIKey),
			RequestTimeout:  time.Duration(cfg.Venue.RequestTimeout) * time.Second,
			CancelRateLimit: cfg.Venue.CancelRateLimit,
		}, logger)
	}

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := venue.CheckHealth(healthCtx); err != nil {
		healthCancel()
		logger.Fatal("Venue health check failed", "error", err)
	}
	healthCancel()

	trk := tracker.NewTracker(venue, logger, tracker.Config{
		Symbol:        cfg.Tracking.Symbol,
		LockStaleness: time.Duration(cfg.Tracking.LockStaleness) * time.Second,
		CancelTimeout: time.Duration(cfg.Tracking.CancelTimeout) * time.Second,
	})

	restoreSnapshot(store, trk, logger)

	dispatcher := tracker.NewDispatcher(trk, logger)

	if _, ok := venue.(*bridge.Client); ok {
		feed = bridge.NewFeed(bridge.FeedConfig{
			WSURL:      cfg.Venue.WSURL,
			Symbol:     cfg.Tracking.Symbol,
			PoolBuffer: cfg.Concurrency.DispatchPoolBuffer,
		}, dispatcher, logger)
	}

	// Alerts
	alerts := alert.NewManager(logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(string(cfg.Alerts.SlackWebhookURL)))
	}
	if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(string(cfg.Alerts.TelegramBotToken), cfg.Alerts.TelegramChatID))
	}

	reconciler := reconcile.NewReconciler(venue, trk, store, alerts, logger, reconcile.Config{
		Symbol:         cfg.Tracking.Symbol,
		Interval:       time.Duration(cfg.Tracking.ReconcileInterval) * time.Second,
		OrphanWindow:   time.Duration(cfg.Tracking.OrphanConfirm) * time.Second,
		PendingTimeout: time.Duration(cfg.Tracking.PendingTimeout) * time.Second,
	})

	// Health monitoring
	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("venue", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return venue.CheckHealth(ctx)
	})
	healthMgr.Register("reconciler", func() error {
		res := reconciler.LastResult()
		if res != nil && res.Status == "failed" {
			return errors.New(res.Error)
		}
		return nil
	})

	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr, logger)
		metricsSrv.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if feed != nil {
		feed.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return reconciler.Start(gctx)
	})

	// Periodic snapshots, independent of the reconcile cadence
	g.Go(func() error {
		interval := time.Duration(cfg.Persistence.SnapshotInterval) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := store.SaveSnapshot(saveCtx, trk.Snapshot()); err != nil {
					logger.Error("Periodic snapshot failed", "error", err)
				}
				cancel()
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Tracker stopped with error", "error", err)
	}

	logger.Info("Shutting down")
	shutdown(cfg, venue, trk, store, feed, reconciler, metricsSrv, tel, logger)
}

// restoreSnapshot seeds the tracker from the last persisted snapshot. A
// stale snapshot is discarded and the tracker starts empty, rebuilding its
// view from the live event stream and the reconciliation loop.
func restoreSnapshot(store core.IStateStore, trk *tracker.Tracker, logger core.ILogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := store.LoadSnapshot(ctx)
	if err != nil {
		logger.Warn("Failed to load snapshot, starting empty", "error", err)
		return
	}
	if snap == nil {
		logger.Info("No snapshot found, starting empty")
		return
	}

	if err := trk.Restore(snap); err != nil {
		if errors.Is(err, apperrors.ErrStaleSnapshot) {
			logger.Warn("Discarding stale snapshot, starting empty",
				"snapshot_age", time.Since(snap.LastUpdate).String())
		} else {
			logger.Warn("Failed to restore snapshot, starting empty", "error", err)
		}
		return
	}

	logger.Info("Restored snapshot",
		"groups", len(snap.Groups),
		"orders", len(snap.Orders))
}

func shutdown(cfg *config.Config, venue core.IVenue, trk *tracker.Tracker, store core.IStateStore,
	feed *bridge.Feed, reconciler *reconcile.Reconciler, metricsSrv *metrics.Server,
	tel *telemetry.Telemetry, logger core.ILogger) {

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if feed != nil {
		feed.Stop()
	}
	_ = reconciler.Stop()

	if cfg.System.CancelOnExit {
		n, err := venue.CancelAllPending(ctx)
		if err != nil {
			logger.Error("Cancel-on-exit failed", "error", err)
		} else {
			logger.Info("Cancelled pending orders on exit", "count", n)
		}
	}

	if err := store.SaveSnapshot(ctx, trk.Snapshot()); err != nil {
		logger.Error("Final snapshot failed", "error", err)
	}

	if metricsSrv != nil {
		_ = metricsSrv.Stop(ctx)
	}
	if err := tel.Shutdown(ctx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err)
	}

	logger.Info("Shutdown complete")
}
