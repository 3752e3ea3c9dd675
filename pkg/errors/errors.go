package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Standardized tracker errors
var (
	ErrDuplicateOrder   = errors.New("duplicate order")
	ErrConflict         = errors.New("position already has an active group")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrOrderNotFound    = errors.New("order not found")
	ErrVenueUnavailable = errors.New("venue unavailable")
	ErrStaleSnapshot    = errors.New("snapshot older than staleness threshold")
)

// DriftKind classifies the inconsistency a reconciliation pass found.
type DriftKind string

const (
	DriftOrphanedGroups DriftKind = "orphaned_groups"
	DriftStaleLock      DriftKind = "stale_lock"
	DriftStuckOrders    DriftKind = "stuck_orders"
)

// DriftError reports divergence between tracked state and venue truth.
// It triggers repair and is logged; it never propagates as a crash.
type DriftError struct {
	Kind     DriftKind
	GroupIDs []string
	OrderIDs []int64
	HeldFor  time.Duration
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("drift detected: kind=%s groups=%v orders=%v held_for=%s",
		e.Kind, e.GroupIDs, e.OrderIDs, e.HeldFor)
}

// IsTransient reports whether an error is worth retrying against the venue.
func IsTransient(err error) bool {
	return errors.Is(err, ErrVenueUnavailable)
}
