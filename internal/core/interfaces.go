// Package core defines the core interfaces for the OCO tracker system
package core

import (
	"context"
	"time"
)

// IVenue defines the order-submission and position-status collaborator.
// Implementations must be idempotent-tolerant: cancelling an order that is
// already terminal returns apperrors.ErrOrderNotFound rather than failing
// hard, and callers treat it as informational.
type IVenue interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (int64, error)
	CancelOrder(ctx context.Context, orderID int64) error
	CancelAllPending(ctx context.Context) (int, error)

	// HasOpenPosition is polled, not pushed; it is the ground truth the
	// reconciliation loop audits against.
	HasOpenPosition(ctx context.Context, symbol string) (bool, error)
}

// IReconciler defines the interface for the periodic consistency sweep
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	Reconcile(ctx context.Context) error
	LastResult() *ReconcileResult
}

// ReconcileResult describes the outcome of a single reconciliation pass.
type ReconcileResult struct {
	PassID      string    `json:"pass_id"`
	Status      string    `json:"status"` // running, completed, failed
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DriftFound  bool      `json:"drift_found"`
	Repairs     []string  `json:"repairs,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// IStateStore defines the interface for snapshot persistence
type IStateStore interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
