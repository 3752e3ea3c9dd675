// Command reconcile runs a single reconciliation pass and reports the
// outcome through its exit code: 0 means no drift, 1 means drift was found
// and repaired, 2 means the venue could not be queried.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"oco_tracker/internal/alert"
	"oco_tracker/internal/config"
	"oco_tracker/internal/core"
	"oco_tracker/internal/mock"
	"oco_tracker/internal/reconcile"
	"oco_tracker/internal/state"
	"oco_tracker/internal/tracker"
	"oco_tracker/internal/venue/bridge"
	"oco_tracker/pkg/logging"
	"oco_tracker/pkg/telemetry"

	"github.com/joho/godotenv"
)

const (
	exitClean       = 0
	exitDrift       = 1
	exitUnreachable = 2
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	timeout    = flag.Duration("timeout", 30*time.Second, "Overall pass timeout")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	_ = godotenv.Load()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitUnreachable
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return exitUnreachable
	}

	if err := telemetry.InitMetrics(); err != nil {
		logger.Warn("Metrics unavailable for this pass", "error", err)
	}

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
		logger.Error("Failed to open snapshot store", "error", err)
		return exitUnreachable
	}

	var venue core.IVenue
	if cfg.Venue.Name == "mock" {
		venue = mock.NewVenue("mock")
	} else {
		venue = bridge.NewClient(bridge.Config{
			BaseURL:         cfg.Venue.BaseURL,
			APIKey:          string(cfg.Venue.APIKey),
			RequestTimeout:  time.Duration(cfg.Venue.RequestTimeout) * time.Second,
			CancelRateLimit: cfg.Venue.CancelRateLimit,
		}, logger)
	}

	trk := tracker.NewTracker(venue, logger, tracker.Config{
		Symbol:        cfg.Tracking.Symbol,
		LockStaleness: time.Duration(cfg.Tracking.LockStaleness) * time.Second,
		CancelTimeout: time.Duration(cfg.Tracking.CancelTimeout) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	snap, err := store.LoadSnapshot(ctx)
	if err != nil {
		logger.Error("Failed to load snapshot", "error", err)
		return exitUnreachable
	}
	if snap != nil {
		if err := trk.Restore(snap); err != nil {
			// A one-shot audit against an unrestorable snapshot has
			// nothing to reconcile; report and keep the empty tracker.
			logger.Warn("Snapshot not restored, auditing empty state", "error", err)
		}
	}

	reconciler := reconcile.NewReconciler(venue, trk, store, alert.NewManager(logger), logger, reconcile.Config{
		Symbol:         cfg.Tracking.Symbol,
		Interval:       time.Duration(cfg.Tracking.ReconcileInterval) * time.Second,
		OrphanWindow:   time.Duration(cfg.Tracking.OrphanConfirm) * time.Second,
		PendingTimeout: time.Duration(cfg.Tracking.PendingTimeout) * time.Second,
	})

	passErr := reconciler.Reconcile(ctx)
	result := reconciler.LastResult()

	printSummary(result)

	if passErr != nil {
		logger.Error("Reconciliation pass failed", "error", passErr)
		return exitUnreachable
	}
	if result != nil && result.DriftFound {
		return exitDrift
	}
	return exitClean
}

// printSummary emits one machine-readable line on stdout so the pass can
// be scripted and scraped
func printSummary(result *core.ReconcileResult) {
	if result == nil {
		return
	}
	line, err := json.Marshal(result)
	if err != nil {
		return
	}
	fmt.Println(string(line))
}
