package tracker

import (
	"fmt"
	"time"

	"oco_tracker/internal/core"
	apperrors "oco_tracker/pkg/errors"

	"github.com/shopspring/decimal"
)

// Registry is the single source of truth for order identity and status.
// NOT thread-safe on its own, it is protected by the owning Tracker's
// mutex.
type Registry struct {
	orders map[int64]*core.Order
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		orders: make(map[int64]*core.Order),
	}
}

// Register adds an order in PENDING status. It fails with
// ErrDuplicateOrder if the ID is already present, and with ErrConflict if
// another non-terminal order holds the same (group, role) pair for the
// STOP or TAKE roles.
func (r *Registry) Register(orderID int64, role core.OrderRole, groupID string, now time.Time) error {
	if _, exists := r.orders[orderID]; exists {
		return fmt.Errorf("order %d: %w", orderID, apperrors.ErrDuplicateOrder)
	}

	if role == core.RoleStop || role == core.RoleTake {
		for _, o := range r.orders {
			if o.GroupID == groupID && o.Role == role && !o.Status.IsTerminal() {
				return fmt.Errorf("group %s already has a non-terminal %s order (%d): %w",
					groupID, role, o.OrderID, apperrors.ErrConflict)
			}
		}
	}

	r.orders[orderID] = &core.Order{
		OrderID:    orderID,
		GroupID:    groupID,
		Role:       role,
		Status:     core.StatusPending,
		FilledQty:  decimal.Zero,
		AvgPrice:   decimal.Zero,
		LastUpdate: now,
	}
	return nil
}

// UpdateStatus applies a status transition. The returned bool is false
// when nothing was applied: either the order ID is unknown (venue
// notifications may arrive for orders the tracker never registered, a
// race at startup) or the order is already terminal. Terminal statuses
// are final; a late venue notification must not resurrect a cancelled or
// filled order, or a replacement leg registered since would share its
// (group, role) slot.
func (r *Registry) UpdateStatus(orderID int64, status core.OrderStatus, filledQty, avgPrice decimal.Decimal, now time.Time) (*core.Order, bool) {
	o, ok := r.orders[orderID]
	if !ok {
		return nil, false
	}
	if o.Status.IsTerminal() {
		return o, false
	}

	o.Status = status
	if filledQty.IsPositive() {
		o.FilledQty = filledQty
	}
	if avgPrice.IsPositive() {
		o.AvgPrice = avgPrice
	}
	o.LastUpdate = now
	return o, true
}

// Get returns the order for the given ID, or nil when unknown.
func (r *Registry) Get(orderID int64) *core.Order {
	return r.orders[orderID]
}

// put inserts an order as-is, bypassing registration checks. Snapshot
// restore only.
func (r *Registry) put(o *core.Order) {
	r.orders[o.OrderID] = o
}

// removeUnchecked deletes an order regardless of status. Used to roll
// back a partially registered group.
func (r *Registry) removeUnchecked(orderID int64) {
	delete(r.orders, orderID)
}

// Remove evicts an order. Only terminal orders may be removed.
func (r *Registry) Remove(orderID int64) error {
	o, ok := r.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	if !o.Status.IsTerminal() {
		return fmt.Errorf("order %d status %s is not terminal: %w", orderID, o.Status, apperrors.ErrInvalidState)
	}
	delete(r.orders, orderID)
	return nil
}

// Count returns the number of tracked orders.
func (r *Registry) Count() int {
	return len(r.orders)
}

// EvictTerminal removes every terminal order the retain predicate does
// not keep, returning the removed count.
func (r *Registry) EvictTerminal(retain func(groupID string) bool) int {
	evicted := 0
	for id, o := range r.orders {
		if !o.Status.IsTerminal() {
			continue
		}
		if retain(o.GroupID) {
			continue
		}
		delete(r.orders, id)
		evicted++
	}
	return evicted
}

// PendingBefore returns the IDs of orders still PENDING whose last update
// is older than the cutoff.
func (r *Registry) PendingBefore(cutoff time.Time) []int64 {
	var ids []int64
	for id, o := range r.orders {
		if o.Status == core.StatusPending && o.LastUpdate.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// All returns a copy of every tracked order.
func (r *Registry) All() []core.Order {
	out := make([]core.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, *o)
	}
	return out
}
