package tracker

import (
	"context"

	"oco_tracker/internal/core"
	"oco_tracker/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Venue status codes, as emitted by the trading terminal's order
// callback. Everything downstream of the dispatcher only ever sees the
// internal OrderStatus enum.
//
//	0 -> PENDING (accepted, resting)
//	1 -> FILLED
//	2 -> CANCELLED
//	3 -> REJECTED
//	4 -> PARTIALLY_FILLED
var statusCodeMap = map[int32]core.OrderStatus{
	0: core.StatusPending,
	1: core.StatusFilled,
	2: core.StatusCancelled,
	3: core.StatusRejected,
	4: core.StatusPartiallyFilled,
}

// Dispatcher translates venue order-update notifications into calls on
// the tracker. It runs on the venue feed's callback path and must never
// panic: malformed or unknown notifications are logged and dropped.
type Dispatcher struct {
	tracker *Tracker
	logger  core.ILogger
}

// NewDispatcher creates a dispatcher feeding the given tracker.
func NewDispatcher(t *Tracker, logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		tracker: t,
		logger:  logger.WithField("component", "dispatcher"),
	}
}

// Dispatch maps a raw venue notification to the internal status enum and
// applies it. Unknown status codes map to UNKNOWN and are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, orderID int64, statusCode int32, filledQty, avgPrice decimal.Decimal) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic in dispatch suppressed", "order_id", orderID, "panic", r)
		}
	}()

	status, ok := statusCodeMap[statusCode]
	if !ok {
		status = core.StatusUnknown
		telemetry.GetGlobalMetrics().AddUnknownCode(ctx)
		d.logger.Warn("Unknown venue status code",
			"order_id", orderID,
			"status_code", statusCode)
	}

	// A fill report with zero status but positive quantity is how the
	// venue sometimes announces partial executions; treat it as such.
	if status == core.StatusPending && filledQty.IsPositive() {
		status = core.StatusPartiallyFilled
	}

	d.logger.Debug("Order update",
		"order_id", orderID,
		"status", status,
		"filled_qty", filledQty,
		"avg_price", avgPrice)

	telemetry.GetGlobalMetrics().AddEvent(ctx, string(status))
	d.tracker.ApplyUpdate(ctx, orderID, status, filledQty, avgPrice)
}
