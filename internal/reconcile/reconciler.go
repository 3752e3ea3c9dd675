// Package reconcile implements the periodic consistency sweep that audits
// tracker state against venue truth and repairs drift. It is the system's
// safety net: the loop is fail-open and never terminates on error.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"oco_tracker/internal/alert"
	"oco_tracker/internal/core"
	"oco_tracker/internal/tracker"
	apperrors "oco_tracker/pkg/errors"
	"oco_tracker/pkg/retry"
	"oco_tracker/pkg/telemetry"
)

// Config holds the sweep timing parameters. The windows are soft
// deadlines checked by wall-clock comparison each tick, not hard
// preemption.
type Config struct {
	Symbol         string
	Interval       time.Duration // sweep cadence
	OrphanWindow   time.Duration // continued position absence before orphan repair
	PendingTimeout time.Duration // PENDING with no venue update before marked UNKNOWN
	QueryTimeout   time.Duration // bound on individual venue calls
}

// Reconciler implements the core.IReconciler interface
type Reconciler struct {
	venue   core.IVenue
	tracker *tracker.Tracker
	store   core.IStateStore // optional
	alerts  *alert.Manager   // optional
	logger  core.ILogger
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	// sweep state carried across ticks
	absenceSince time.Time
	cancelSeen   map[int64]time.Time

	lastResult *core.ReconcileResult
	statusMu   sync.RWMutex

	nowFn func() time.Time
}

// NewReconciler creates a new reconciler
func NewReconciler(venue core.IVenue, trk *tracker.Tracker, store core.IStateStore, alerts *alert.Manager, logger core.ILogger, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.OrphanWindow <= 0 {
		cfg.OrphanWindow = 60 * time.Second
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 30 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		venue:      venue,
		tracker:    trk,
		store:      store,
		alerts:     alerts,
		logger:     logger.WithField("component", "reconciler"),
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		cancelSeen: make(map[int64]time.Time),
		lastResult: &core.ReconcileResult{Status: "never_run"},
		nowFn:      time.Now,
	}
}

// SetNowFunc overrides the clock. Used by tests.
func (r *Reconciler) SetNowFunc(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFn = fn
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.cfg.Interval)

	r.wg.Add(1)
	go r.runLoop()

	return nil
}

// Stop stops the reconciler
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

// LastResult returns the outcome of the most recent pass.
func (r *Reconciler) LastResult() *core.ReconcileResult {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastResult
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation pass failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// Reconcile performs a single consistency sweep. It returns an error only
// when the venue is unreachable; every repairable inconsistency is fixed
// and reported through LastResult.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.nowFn()
	passID := fmt.Sprintf("rec_%d", start.UnixNano())

	r.setResult(&core.ReconcileResult{
		PassID:    passID,
		Status:    "running",
		StartedAt: start,
	})

	r.logger.Debug("Starting reconciliation pass", "id", passID)

	// 1. Ground truth: does the venue see an open position?
	hasPos, err := r.queryPosition(ctx)
	if err != nil {
		r.completeResult(passID, start, "failed", false, nil, err)
		telemetry.GetGlobalMetrics().AddReconcilePass(ctx, "failed", r.nowFn().Sub(start).Seconds())
		return fmt.Errorf("query venue position: %w", err)
	}

	now := r.nowFn()
	var repairs []string
	driftFound := false

	// 2. Orphan detection: active groups with no backing position. The
	// confirmation window guards against transient query latency; only
	// continued absence counts.
	if !hasPos && r.tracker.ActiveGroupCount() > 0 {
		if r.absenceSince.IsZero() {
			r.absenceSince = now
			r.logger.Info("Venue reports no position with groups active, confirmation window started",
				"window", r.cfg.OrphanWindow)
		} else if now.Sub(r.absenceSince) >= r.cfg.OrphanWindow {
			repaired := r.tracker.RepairOrphans(ctx, "orphaned_no_position")
			drift := &apperrors.DriftError{
				Kind:     apperrors.DriftOrphanedGroups,
				GroupIDs: repaired,
				HeldFor:  now.Sub(r.absenceSince),
			}
			r.logger.Error("Orphaned groups repaired", "error", drift.Error(), "pass", passID)
			telemetry.GetGlobalMetrics().AddDriftRepair(ctx, string(apperrors.DriftOrphanedGroups))
			r.notifyDrift(ctx, "Orphaned OCO groups repaired", alert.Warning, drift)
			repairs = append(repairs, fmt.Sprintf("deactivated %d orphaned groups", len(repaired)))
			driftFound = true
			r.absenceSince = time.Time{}
		}
	} else {
		r.absenceSince = time.Time{}
	}

	// 3. Derived-state desync: lock held beyond the staleness threshold
	// with zero active groups. Repaired immediately, bypassing the
	// orphan confirmation window.
	if heldFor, released := r.tracker.ForceReleaseIfDesynced(ctx); released {
		drift := &apperrors.DriftError{Kind: apperrors.DriftStaleLock, HeldFor: heldFor}
		r.logger.Error("Lock held with no backing group, force-released; this indicates a code path mutating lock state independently",
			"error", drift.Error(), "pass", passID)
		telemetry.GetGlobalMetrics().AddDriftRepair(ctx, string(apperrors.DriftStaleLock))
		r.notifyDrift(ctx, "Stale position lock force-released", alert.Critical, drift)
		repairs = append(repairs, fmt.Sprintf("force-released lock held %s with no groups", heldFor))
		driftFound = true
	}

	// 4. Orders stuck in PENDING: mark UNKNOWN and attempt one cancel.
	// The seen-set prevents cancel storms against the same order.
	stuck := r.tracker.TimeoutPending(now.Add(-r.cfg.PendingTimeout))
	var cancelled []int64
	for _, id := range stuck {
		if _, seen := r.cancelSeen[id]; seen {
			continue
		}
		r.cancelSeen[id] = now
		err := r.cancelWithRetry(ctx, id)
		switch {
		case err == nil:
			cancelled = append(cancelled, id)
		case errors.Is(err, apperrors.ErrOrderNotFound):
			// already gone at the venue, nothing left to do
			cancelled = append(cancelled, id)
		default:
			r.logger.Warn("Cancel of stuck order failed, deferring to next tick", "order_id", id, "error", err)
		}
	}
	if len(stuck) > 0 {
		drift := &apperrors.DriftError{Kind: apperrors.DriftStuckOrders, OrderIDs: stuck}
		r.logger.Warn("Stuck pending orders handled", "error", drift.Error(), "cancelled", cancelled)
		telemetry.GetGlobalMetrics().AddDriftRepair(ctx, string(apperrors.DriftStuckOrders))
		repairs = append(repairs, fmt.Sprintf("marked %d stuck orders unknown, cancelled %d", len(stuck), len(cancelled)))
		driftFound = true
	}
	r.pruneSeen(now)

	// Housekeeping: evict terminal orders of closed groups.
	if evicted := r.tracker.EvictTerminal(); evicted > 0 {
		r.logger.Debug("Evicted terminal orders", "count", evicted)
	}

	if r.store != nil {
		if err := r.store.SaveSnapshot(ctx, r.tracker.Snapshot()); err != nil {
			r.logger.Error("Failed to persist snapshot after pass", "error", err)
		}
	}

	r.completeResult(passID, start, "completed", driftFound, repairs, nil)
	telemetry.GetGlobalMetrics().AddReconcilePass(ctx, "completed", r.nowFn().Sub(start).Seconds())

	if driftFound {
		r.logger.Info("Reconciliation pass completed with repairs", "id", passID, "repairs", repairs)
	} else {
		r.logger.Debug("Reconciliation pass completed", "id", passID)
	}
	return nil
}

func (r *Reconciler) queryPosition(ctx context.Context) (bool, error) {
	var hasPos bool
	err := retry.Do(ctx, retry.OncePolicy, apperrors.IsTransient, func() error {
		queryCtx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
		defer cancel()

		var qerr error
		hasPos, qerr = r.venue.HasOpenPosition(queryCtx, r.cfg.Symbol)
		return qerr
	})
	return hasPos, err
}

func (r *Reconciler) cancelWithRetry(ctx context.Context, orderID int64) error {
	telemetry.GetGlobalMetrics().AddCancelRequest(ctx, "stuck_pending")
	return retry.Do(ctx, retry.OncePolicy, apperrors.IsTransient, func() error {
		cancelCtx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
		defer cancel()
		return r.venue.CancelOrder(cancelCtx, orderID)
	})
}

func (r *Reconciler) pruneSeen(now time.Time) {
	for id, ts := range r.cancelSeen {
		if now.Sub(ts) > 10*time.Minute {
			delete(r.cancelSeen, id)
		}
	}
}

func (r *Reconciler) notifyDrift(ctx context.Context, title string, level alert.Level, d *apperrors.DriftError) {
	if r.alerts == nil {
		return
	}
	r.alerts.Alert(ctx, title, d.Error(), level, alert.DriftFields(r.cfg.Symbol, d))
}

func (r *Reconciler) setResult(res *core.ReconcileResult) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.lastResult = res
}

func (r *Reconciler) completeResult(passID string, start time.Time, status string, drift bool, repairs []string, err error) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	res := &core.ReconcileResult{
		PassID:      passID,
		Status:      status,
		StartedAt:   start,
		CompletedAt: r.nowFn(),
		DriftFound:  drift,
		Repairs:     repairs,
	}
	if err != nil {
		res.Error = err.Error()
	}
	r.lastResult = res
}
