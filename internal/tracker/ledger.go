// Package tracker maintains the relationship between a trading position
// and the protective order pair guarding it: order registry, OCO group
// ledger, and the derived position lock. All mutations are serialized
// through one mutex so the reconciliation loop never observes a torn
// update from a concurrent venue notification.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"oco_tracker/internal/core"
	apperrors "oco_tracker/pkg/errors"
	"oco_tracker/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds tracker parameters.
type Config struct {
	Symbol        string
	LockStaleness time.Duration
	CancelTimeout time.Duration
}

// Tracker owns the order registry, the OCO group ledger, and the position
// lock, and issues sibling-cancel effects to the venue.
type Tracker struct {
	mu sync.Mutex

	symbol   string
	registry *Registry
	groups   map[string]*core.OCOGroup
	// activeByPosition enforces one active group per position
	activeByPosition map[string]string

	lock          *PositionLock
	venue         core.IVenue
	logger        core.ILogger
	cancelTimeout time.Duration
	staleAfter    time.Duration

	nowFn func() time.Time
}

// NewTracker creates a tracker bound to the given venue.
func NewTracker(venue core.IVenue, logger core.ILogger, cfg Config) *Tracker {
	if cfg.LockStaleness <= 0 {
		cfg.LockStaleness = 10 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}

	return &Tracker{
		symbol:           cfg.Symbol,
		registry:         NewRegistry(),
		groups:           make(map[string]*core.OCOGroup),
		activeByPosition: make(map[string]string),
		lock:             NewPositionLock(cfg.LockStaleness),
		venue:            venue,
		logger:           logger.WithField("component", "tracker"),
		cancelTimeout:    cfg.CancelTimeout,
		staleAfter:       cfg.LockStaleness,
		nowFn:            time.Now,
	}
}

// SetNowFunc overrides the clock. Used by tests.
func (t *Tracker) SetNowFunc(fn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nowFn = fn
}

// RegisterOrder adds a standalone order (typically an ENTRY leg) to the
// registry in PENDING status.
func (t *Tracker) RegisterOrder(orderID int64, role core.OrderRole, groupID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.registry.Register(orderID, role, groupID, t.nowFn()); err != nil {
		return err
	}
	t.publishGaugesLocked()
	return nil
}

// CreateGroup pairs a stop and a take order under one logical group tied
// to a position. It fails with ErrConflict if the position already has an
// active group.
func (t *Tracker) CreateGroup(positionID string, stopOrderID, takeOrderID int64) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.activeByPosition[positionID]; ok {
		return "", fmt.Errorf("position %s already protected by group %s: %w",
			positionID, existing, apperrors.ErrConflict)
	}

	now := t.nowFn()
	groupID := uuid.NewString()

	if err := t.registry.Register(stopOrderID, core.RoleStop, groupID, now); err != nil {
		return "", err
	}
	if err := t.registry.Register(takeOrderID, core.RoleTake, groupID, now); err != nil {
		// roll back the stop leg so a failed creation leaves no residue
		t.registry.removeUnchecked(stopOrderID)
		return "", err
	}

	t.groups[groupID] = &core.OCOGroup{
		GroupID:     groupID,
		PositionID:  positionID,
		StopOrderID: stopOrderID,
		TakeOrderID: takeOrderID,
		Active:      true,
		CreatedAt:   now,
	}
	t.activeByPosition[positionID] = groupID
	t.refreshLockLocked()

	t.logger.Info("OCO group created",
		"group_id", groupID,
		"position_id", positionID,
		"stop_order_id", stopOrderID,
		"take_order_id", takeOrderID)
	return groupID, nil
}

// ApplyUpdate applies a status transition coming from the event
// dispatcher. Unknown order IDs are logged and ignored; the ledger is
// notified synchronously before the call returns.
func (t *Tracker) ApplyUpdate(ctx context.Context, orderID int64, status core.OrderStatus, filledQty, avgPrice decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, applied := t.registry.UpdateStatus(orderID, status, filledQty, avgPrice, t.nowFn())
	if o == nil {
		t.logger.Debug("Update for unregistered order ignored", "order_id", orderID, "status", status)
		return
	}
	if !applied {
		t.logger.Warn("Late update for terminal order ignored",
			"order_id", orderID,
			"current_status", o.Status,
			"late_status", status)
		return
	}

	switch status {
	case core.StatusFilled:
		t.onOrderFilledLocked(ctx, o)
	case core.StatusCancelled, core.StatusRejected:
		t.onOrderTerminalLocked(o)
	}
	t.publishGaugesLocked()
}

// OnOrderFilled records an execution for the given order and, when it is
// a leg of an active group, deactivates the group and requests the
// sibling's cancellation.
func (t *Tracker) OnOrderFilled(ctx context.Context, orderID int64) {
	t.ApplyUpdate(ctx, orderID, core.StatusFilled, decimal.Zero, decimal.Zero)
}

// OnOrderCancelled records a cancellation; when both legs of a group are
// terminal the group is deactivated.
func (t *Tracker) OnOrderCancelled(ctx context.Context, orderID int64) {
	t.ApplyUpdate(ctx, orderID, core.StatusCancelled, decimal.Zero, decimal.Zero)
}

func (t *Tracker) onOrderFilledLocked(ctx context.Context, o *core.Order) {
	g := t.groups[o.GroupID]
	if g == nil {
		return
	}

	siblingID := g.Sibling(o.OrderID)

	if g.Active {
		g.Active = false
		g.ClosedBy = o.Role
		g.DeactivateReason = "leg_filled"
		delete(t.activeByPosition, g.PositionID)
		t.refreshLockLocked()
		t.logger.Info("OCO leg filled, group deactivated",
			"group_id", g.GroupID,
			"filled_order_id", o.OrderID,
			"role", o.Role,
			"sibling_order_id", siblingID)
	} else if o.Role == core.RoleStop && g.ClosedBy == core.RoleTake {
		// Near-simultaneous double fill. Stop executions are
		// safety-critical and take precedence as the recorded close.
		g.ClosedBy = core.RoleStop
		t.logger.Warn("Both OCO legs filled in close succession, recording stop as the closing leg",
			"group_id", g.GroupID,
			"stop_order_id", g.StopOrderID,
			"take_order_id", g.TakeOrderID)
	}

	if siblingID != 0 {
		t.requestCancelLocked(ctx, siblingID, "oco_sibling")
	}
}

func (t *Tracker) onOrderTerminalLocked(o *core.Order) {
	g := t.groups[o.GroupID]
	if g == nil {
		return
	}

	stop := t.registry.Get(g.StopOrderID)
	take := t.registry.Get(g.TakeOrderID)
	if stop != nil && take != nil && stop.Status.IsTerminal() && take.Status.IsTerminal() {
		t.deactivateLocked(g, "both_legs_terminal")
	}
}

// requestCancelLocked issues a cancel to the venue while holding the
// tracker mutex, with a bounded timeout. A sibling that is already gone
// at the venue is a benign race, logged as informational.
func (t *Tracker) requestCancelLocked(ctx context.Context, orderID int64, reason string) {
	cancelCtx, cancel := context.WithTimeout(ctx, t.cancelTimeout)
	defer cancel()

	telemetry.GetGlobalMetrics().AddCancelRequest(cancelCtx, reason)
	err := t.venue.CancelOrder(cancelCtx, orderID)
	if err == nil {
		t.logger.Info("Cancel requested", "order_id", orderID, "reason", reason)
		return
	}
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		t.logger.Info("Cancel target already gone at venue", "order_id", orderID, "reason", reason)
		return
	}
	t.logger.Warn("Cancel request failed", "order_id", orderID, "reason", reason, "error", err)
}

// DeactivateGroup marks a group inactive. Deactivating an already
// inactive group is a no-op.
func (t *Tracker) DeactivateGroup(groupID string, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.groups[groupID]
	if g == nil {
		return fmt.Errorf("group %s: %w", groupID, apperrors.ErrOrderNotFound)
	}
	t.deactivateLocked(g, reason)
	t.publishGaugesLocked()
	return nil
}

func (t *Tracker) deactivateLocked(g *core.OCOGroup, reason string) bool {
	if !g.Active {
		return false
	}
	g.Active = false
	g.DeactivateReason = reason
	delete(t.activeByPosition, g.PositionID)
	t.refreshLockLocked()
	t.logger.Info("OCO group deactivated", "group_id", g.GroupID, "reason", reason)
	return true
}

func (t *Tracker) activeCountLocked() int {
	return len(t.activeByPosition)
}

func (t *Tracker) refreshLockLocked() {
	t.lock.observe(t.activeCountLocked(), t.nowFn())
}

// ActiveGroupCount returns the number of active groups.
func (t *Tracker) ActiveGroupCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeCountLocked()
}

// IsHeld reports the position lock gate: true iff at least one group is
// active. Recomputed from the ledger on every query, never stored.
func (t *Tracker) IsHeld() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeCountLocked() > 0
}

// LockState computes the lock state against an externally supplied
// position signal.
func (t *Tracker) LockState(hasOpenPosition bool) core.LockState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lock.State(t.activeCountLocked(), t.nowFn(), hasOpenPosition)
}

// LockHeldFor returns how long the lock has been continuously held.
func (t *Tracker) LockHeldFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lock.HeldFor(t.nowFn())
}

// ForceRelease clears the lock, deactivates any remaining active groups,
// and cancels all pending venue orders. Reserved for the reconciliation
// loop's repair path.
func (t *Tracker) ForceRelease(ctx context.Context, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forceReleaseLocked(ctx, reason, true)
	t.publishGaugesLocked()
}

func (t *Tracker) forceReleaseLocked(ctx context.Context, reason string, cancelAll bool) {
	heldFor := t.lock.HeldFor(t.nowFn())
	t.logger.Warn("Force-releasing position lock",
		"reason", reason,
		"held_for", heldFor.String(),
		"active_groups", t.activeCountLocked())

	for _, g := range t.groups {
		t.deactivateLocked(g, reason)
	}
	t.lock.forceClear()

	if cancelAll {
		cancelCtx, cancel := context.WithTimeout(ctx, t.cancelTimeout)
		defer cancel()
		n, err := t.venue.CancelAllPending(cancelCtx)
		if err != nil {
			t.logger.Error("Cancel-all-pending failed during force release", "error", err)
			return
		}
		t.logger.Info("Cancelled all pending venue orders", "count", n)
	}
}

// RepairOrphans deactivates every active group, cancels their member
// orders at the venue, and releases the lock. Returns the IDs of the
// repaired groups.
func (t *Tracker) RepairOrphans(ctx context.Context, reason string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var repaired []string
	for _, g := range t.groups {
		if !g.Active {
			continue
		}
		repaired = append(repaired, g.GroupID)
		t.deactivateLocked(g, reason)

		for _, legID := range []int64{g.StopOrderID, g.TakeOrderID} {
			leg := t.registry.Get(legID)
			if leg != nil && leg.Status.IsTerminal() {
				continue
			}
			t.requestCancelLocked(ctx, legID, "orphan_repair")
		}
	}

	if len(repaired) > 0 {
		t.forceReleaseLocked(ctx, reason, false)
	}
	t.publishGaugesLocked()
	return repaired
}

// ForceReleaseIfDesynced releases the lock when it is held with zero
// active groups beyond the staleness threshold. This contradiction is
// structurally impossible while the lock stays purely derived; its
// occurrence means some code path mutated lock state independently, so it
// is repaired immediately without a confirmation window.
func (t *Tracker) ForceReleaseIfDesynced(ctx context.Context) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	heldFor := t.lock.HeldFor(t.nowFn())
	if t.activeCountLocked() > 0 || heldFor <= t.staleAfter {
		return 0, false
	}

	t.forceReleaseLocked(ctx, "derived_state_desync", true)
	t.publishGaugesLocked()
	return heldFor, true
}

// TimeoutPending marks orders still PENDING past the cutoff as UNKNOWN
// and returns their IDs for a single cancellation attempt by the caller.
func (t *Tracker) TimeoutPending(cutoff time.Time) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.registry.PendingBefore(cutoff)
	now := t.nowFn()
	for _, id := range ids {
		t.registry.UpdateStatus(id, core.StatusUnknown, decimal.Zero, decimal.Zero, now)
		t.logger.Warn("Order stuck in PENDING beyond timeout, marked UNKNOWN", "order_id", id)
	}
	if len(ids) > 0 {
		t.publishGaugesLocked()
	}
	return ids
}

// EvictTerminal removes terminal orders whose owning group has closed.
// Returns the number of evicted orders.
func (t *Tracker) EvictTerminal() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := t.registry.EvictTerminal(func(groupID string) bool {
		g := t.groups[groupID]
		return g != nil && g.Active
	})
	if evicted > 0 {
		t.publishGaugesLocked()
	}
	return evicted
}

// GetOrder returns a copy of the order, or nil when unknown.
func (t *Tracker) GetOrder(orderID int64) *core.Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	o := t.registry.Get(orderID)
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// GetGroup returns a copy of the group, or nil when unknown.
func (t *Tracker) GetGroup(groupID string) *core.OCOGroup {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.groups[groupID]
	if g == nil {
		return nil
	}
	cp := *g
	return &cp
}

// RemoveOrder evicts a single order; only terminal orders may be removed.
func (t *Tracker) RemoveOrder(orderID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.registry.Remove(orderID); err != nil {
		return err
	}
	t.publishGaugesLocked()
	return nil
}

// Snapshot produces the persisted-state view of the tracker.
func (t *Tracker) Snapshot() *core.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := &core.Snapshot{
		Symbol:     t.symbol,
		Orders:     t.registry.All(),
		LastUpdate: t.nowFn(),
	}
	for _, g := range t.groups {
		snap.Groups = append(snap.Groups, *g)
	}
	if since := t.lock.HeldSince(); !since.IsZero() {
		cp := since
		snap.LockHeldSince = &cp
	}
	return snap
}

// Restore replaces tracker state with a loaded snapshot. A snapshot older
// than the staleness threshold is untrusted; the caller must discard it
// and re-derive from a fresh venue query.
func (t *Tracker) Restore(snap *core.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	if now.Sub(snap.LastUpdate) > t.staleAfter {
		return fmt.Errorf("snapshot from %s: %w", snap.LastUpdate.Format(time.RFC3339), apperrors.ErrStaleSnapshot)
	}

	t.registry = NewRegistry()
	t.groups = make(map[string]*core.OCOGroup)
	t.activeByPosition = make(map[string]string)

	for i := range snap.Orders {
		o := snap.Orders[i]
		t.registry.put(&o)
	}
	for i := range snap.Groups {
		g := snap.Groups[i]
		t.groups[g.GroupID] = &g
		if g.Active {
			t.activeByPosition[g.PositionID] = g.GroupID
		}
	}
	// The lock timestamp is restored verbatim rather than re-derived, so
	// a snapshot that drifted (held lock, no backing group) surfaces as
	// the desync the reconciliation loop knows how to repair.
	if snap.LockHeldSince != nil {
		t.lock.restore(*snap.LockHeldSince)
	} else {
		t.refreshLockLocked()
	}

	t.publishGaugesLocked()
	t.logger.Info("Tracker state restored from snapshot",
		"groups", len(snap.Groups),
		"orders", len(snap.Orders),
		"snapshot_age", now.Sub(snap.LastUpdate).String())
	return nil
}

// OrderCount returns the number of tracked orders.
func (t *Tracker) OrderCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registry.Count()
}

func (t *Tracker) publishGaugesLocked() {
	m := telemetry.GetGlobalMetrics()
	m.SetGroupsActive(t.symbol, int64(t.activeCountLocked()))
	m.SetOrdersTracked(t.symbol, int64(t.registry.Count()))
	state := int64(0)
	if t.activeCountLocked() > 0 {
		state = 1
	}
	m.SetLockState(t.symbol, state)
}
