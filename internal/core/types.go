package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRole identifies the purpose of an order within a protective pair.
type OrderRole string

const (
	RoleEntry OrderRole = "ENTRY"
	RoleStop  OrderRole = "STOP"
	RoleTake  OrderRole = "TAKE"
)

// OrderStatus is the internal order state. Venue status codes are mapped
// to this enum by the event dispatcher; nothing else in the tracker ever
// sees a raw venue code.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// LockState is the derived state of the position lock.
type LockState string

const (
	LockReleased  LockState = "RELEASED"
	LockHeld      LockState = "HELD"
	LockStaleHeld LockState = "STALE_HELD"
)

// Order is a single order submitted to the venue, identified by the
// venue-assigned order ID.
type Order struct {
	OrderID    int64           `json:"order_id"`
	GroupID    string          `json:"group_id"`
	Role       OrderRole       `json:"role"`
	Status     OrderStatus     `json:"status"`
	FilledQty  decimal.Decimal `json:"filled_qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	LastUpdate time.Time       `json:"last_update"`
}

// OCOGroup pairs a stop order and a take order protecting one position.
// A group is active iff both legs are non-terminal and the referenced
// position is open.
type OCOGroup struct {
	GroupID     string    `json:"group_id"`
	PositionID  string    `json:"position_id"`
	StopOrderID int64     `json:"stop_order_id"`
	TakeOrderID int64     `json:"take_order_id"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`

	// ClosedBy records which leg's execution closed the position. On a
	// near-simultaneous double fill the stop takes precedence.
	ClosedBy         OrderRole `json:"closed_by,omitempty"`
	DeactivateReason string    `json:"deactivate_reason,omitempty"`
}

// Sibling returns the other leg of the pair, or 0 when id is not a leg.
func (g *OCOGroup) Sibling(orderID int64) int64 {
	switch orderID {
	case g.StopOrderID:
		return g.TakeOrderID
	case g.TakeOrderID:
		return g.StopOrderID
	}
	return 0
}

// Snapshot is the persisted tracker state used for crash recovery.
// A loaded snapshot older than the lock staleness threshold is untrusted
// and must be discarded in favor of a fresh venue query.
type Snapshot struct {
	Symbol        string     `json:"symbol"`
	Groups        []OCOGroup `json:"groups"`
	Orders        []Order    `json:"orders"`
	LockHeldSince *time.Time `json:"lock_held_since,omitempty"`
	LastUpdate    time.Time  `json:"last_update"`
}

// SubmitOrderRequest carries the parameters for a new venue order.
type SubmitOrderRequest struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Role     OrderRole       `json:"role"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}
