package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricGroupsActive        = "oco_tracker_groups_active"
	MetricOrdersTracked       = "oco_tracker_orders_tracked"
	MetricLockState           = "oco_tracker_lock_state"
	MetricEventsTotal         = "oco_tracker_events_dispatched_total"
	MetricUnknownCodesTotal   = "oco_tracker_unknown_status_codes_total"
	MetricCancelRequestsTotal = "oco_tracker_cancel_requests_total"
	MetricDriftRepairsTotal   = "oco_tracker_drift_repairs_total"
	MetricReconcilePassTotal  = "oco_tracker_reconcile_passes_total"
	MetricReconcileLatency    = "oco_tracker_reconcile_latency_seconds"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	EventsTotal         metric.Int64Counter
	UnknownCodesTotal   metric.Int64Counter
	CancelRequestsTotal metric.Int64Counter
	DriftRepairsTotal   metric.Int64Counter
	ReconcilePassTotal  metric.Int64Counter
	ReconcileLatency    metric.Float64Histogram
	GroupsActive        metric.Int64ObservableGauge
	OrdersTracked       metric.Int64ObservableGauge
	LockState           metric.Int64ObservableGauge

	// State for observable gauges, keyed by symbol
	mu               sync.RWMutex
	groupsActiveMap  map[string]int64
	ordersTrackedMap map[string]int64
	lockStateMap     map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			groupsActiveMap:  make(map[string]int64),
			ordersTrackedMap: make(map[string]int64),
			lockStateMap:     make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.EventsTotal, err = meter.Int64Counter(MetricEventsTotal, metric.WithDescription("Total venue order events dispatched"))
	if err != nil {
		return err
	}

	m.UnknownCodesTotal, err = meter.Int64Counter(MetricUnknownCodesTotal, metric.WithDescription("Total venue status codes with no mapping"))
	if err != nil {
		return err
	}

	m.CancelRequestsTotal, err = meter.Int64Counter(MetricCancelRequestsTotal, metric.WithDescription("Total cancel requests issued to the venue"))
	if err != nil {
		return err
	}

	m.DriftRepairsTotal, err = meter.Int64Counter(MetricDriftRepairsTotal, metric.WithDescription("Total drift repairs performed by reconciliation"))
	if err != nil {
		return err
	}

	m.ReconcilePassTotal, err = meter.Int64Counter(MetricReconcilePassTotal, metric.WithDescription("Total reconciliation passes"))
	if err != nil {
		return err
	}

	m.ReconcileLatency, err = meter.Float64Histogram(MetricReconcileLatency, metric.WithDescription("Duration of reconciliation passes"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	// Observables
	m.GroupsActive, err = meter.Int64ObservableGauge(MetricGroupsActive, metric.WithDescription("Number of currently active OCO groups"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.groupsActiveMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersTracked, err = meter.Int64ObservableGauge(MetricOrdersTracked, metric.WithDescription("Number of orders currently tracked in the registry"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.ordersTrackedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.LockState, err = meter.Int64ObservableGauge(MetricLockState, metric.WithDescription("Position lock state (0=released, 1=held, 2=stale_held)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.lockStateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetGroupsActive records the current active group count for a symbol
func (m *MetricsHolder) SetGroupsActive(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupsActiveMap[symbol] = count
}

// SetOrdersTracked records the current registry size for a symbol
func (m *MetricsHolder) SetOrdersTracked(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersTrackedMap[symbol] = count
}

// SetLockState records the derived lock state for a symbol
func (m *MetricsHolder) SetLockState(symbol string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockStateMap[symbol] = state
}

// AddEvent counts a dispatched venue event by mapped status
func (m *MetricsHolder) AddEvent(ctx context.Context, status string) {
	if m.EventsTotal != nil {
		m.EventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// AddUnknownCode counts a venue status code with no mapping
func (m *MetricsHolder) AddUnknownCode(ctx context.Context) {
	if m.UnknownCodesTotal != nil {
		m.UnknownCodesTotal.Add(ctx, 1)
	}
}

// AddCancelRequest counts a cancel issued to the venue
func (m *MetricsHolder) AddCancelRequest(ctx context.Context, reason string) {
	if m.CancelRequestsTotal != nil {
		m.CancelRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// AddDriftRepair counts a completed drift repair by kind
func (m *MetricsHolder) AddDriftRepair(ctx context.Context, kind string) {
	if m.DriftRepairsTotal != nil {
		m.DriftRepairsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// AddReconcilePass counts a pass and records its duration
func (m *MetricsHolder) AddReconcilePass(ctx context.Context, status string, seconds float64) {
	if m.ReconcilePassTotal != nil {
		m.ReconcilePassTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
	if m.ReconcileLatency != nil {
		m.ReconcileLatency.Record(ctx, seconds)
	}
}
