package tracker

import (
	"time"

	"oco_tracker/internal/core"
)

// PositionLock is the process-wide mutual-exclusion gate blocking new
// trade entries while a position is protected. It is a derived view: held
// iff the ledger has at least one active group. The only state it carries
// of its own is the time the derivation last flipped to held, which feeds
// staleness detection. NOT thread-safe on its own, protected by the
// owning Tracker's mutex.
type PositionLock struct {
	heldSince  time.Time // zero when released
	staleAfter time.Duration
}

// NewPositionLock creates a lock with the given staleness threshold.
func NewPositionLock(staleAfter time.Duration) *PositionLock {
	return &PositionLock{staleAfter: staleAfter}
}

// observe re-derives the held timestamp from the active group count.
// Called after every mutation that can change the count.
func (l *PositionLock) observe(activeGroups int, now time.Time) {
	if activeGroups > 0 {
		if l.heldSince.IsZero() {
			l.heldSince = now
		}
		return
	}
	l.heldSince = time.Time{}
}

// State computes the lock state. HELD degrades to STALE_HELD when the
// lock has been held beyond the staleness threshold with no corroborating
// open position from the venue.
func (l *PositionLock) State(activeGroups int, now time.Time, hasOpenPosition bool) core.LockState {
	if activeGroups == 0 && l.heldSince.IsZero() {
		return core.LockReleased
	}
	if !hasOpenPosition && !l.heldSince.IsZero() && now.Sub(l.heldSince) > l.staleAfter {
		return core.LockStaleHeld
	}
	return core.LockHeld
}

// HeldFor returns how long the lock has been held, zero when released.
func (l *PositionLock) HeldFor(now time.Time) time.Duration {
	if l.heldSince.IsZero() {
		return 0
	}
	return now.Sub(l.heldSince)
}

// HeldSince returns the time the lock flipped to held, zero when released.
func (l *PositionLock) HeldSince() time.Time {
	return l.heldSince
}

// restore overwrites the held timestamp from a loaded snapshot.
func (l *PositionLock) restore(heldSince time.Time) {
	l.heldSince = heldSince
}

// forceClear releases the lock unconditionally. Reserved for the
// reconciliation loop's repair path.
func (l *PositionLock) forceClear() {
	l.heldSince = time.Time{}
}
