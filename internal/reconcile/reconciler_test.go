package reconcile

import (
	"context"
	"testing"
	"time"

	"oco_tracker/internal/core"
	"oco_tracker/internal/mock"
	"oco_tracker/internal/state"
	"oco_tracker/internal/tracker"
	apperrors "oco_tracker/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{})          {}
func (nopLogger) Info(msg string, fields ...interface{})           {}
func (nopLogger) Warn(msg string, fields ...interface{})           {}
func (nopLogger) Error(msg string, fields ...interface{})          {}
func (nopLogger) Fatal(msg string, fields ...interface{})          {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	venue      *mock.Venue
	trk        *tracker.Tracker
	reconciler *Reconciler
	clock      *fakeClock
	store      *state.MemoryStore
}

func newFixture(cfg Config) *fixture {
	venue := mock.NewVenue("mock")
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	trk := tracker.NewTracker(venue, nopLogger{}, tracker.Config{
		Symbol:        "BTCUSDT",
		LockStaleness: 10 * time.Second,
	})
	trk.SetNowFunc(clock.Now)

	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT"
	}
	store := state.NewMemoryStore()
	r := NewReconciler(venue, trk, store, nil, nopLogger{}, cfg)
	r.SetNowFunc(clock.Now)

	return &fixture{venue: venue, trk: trk, reconciler: r, clock: clock, store: store}
}

func TestReconcile_CleanStateNoDrift(t *testing.T) {
	f := newFixture(Config{})
	f.venue.SetOpenPosition(true)

	_, err := f.trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	require.NoError(t, f.reconciler.Reconcile(context.Background()))

	res := f.reconciler.LastResult()
	require.NotNil(t, res)
	assert.Equal(t, "completed", res.Status)
	assert.False(t, res.DriftFound)
	assert.Equal(t, 1, f.trk.ActiveGroupCount())
}

func TestReconcile_OrphanWindowHoldsAtFiftyNineSeconds(t *testing.T) {
	f := newFixture(Config{OrphanWindow: 60 * time.Second, PendingTimeout: 10 * time.Minute})

	_, err := f.trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	// Venue sees no position: first pass opens the confirmation window
	require.NoError(t, f.reconciler.Reconcile(context.Background()))
	assert.False(t, f.reconciler.LastResult().DriftFound)
	assert.Equal(t, 1, f.trk.ActiveGroupCount())

	// 59 seconds of continued absence is still inside the window
	f.clock.Advance(59 * time.Second)
	require.NoError(t, f.reconciler.Reconcile(context.Background()))
	assert.False(t, f.reconciler.LastResult().DriftFound)
	assert.Equal(t, 1, f.trk.ActiveGroupCount())
	assert.Empty(t, f.venue.CancelCalls())
}

func TestReconcile_OrphanRepairAfterWindowElapses(t *testing.T) {
	f := newFixture(Config{OrphanWindow: 60 * time.Second, PendingTimeout: 10 * time.Minute})

	gid, err := f.trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	require.NoError(t, f.reconciler.Reconcile(context.Background()))
	f.clock.Advance(61 * time.Second)
	require.NoError(t, f.reconciler.Reconcile(context.Background()))

	res := f.reconciler.LastResult()
	assert.True(t, res.DriftFound)
	assert.NotEmpty(t, res.Repairs)

	g := f.trk.GetGroup(gid)
	require.NotNil(t, g)
	assert.False(t, g.Active)
	assert.False(t, f.trk.IsHeld())
	assert.ElementsMatch(t, []int64{10, 11}, f.venue.CancelCalls())
}

func TestReconcile_PositionReappearanceResetsWindow(t *testing.T) {
	f := newFixture(Config{OrphanWindow: 60 * time.Second, PendingTimeout: 10 * time.Minute})

	_, err := f.trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	require.NoError(t, f.reconciler.Reconcile(context.Background()))
	f.clock.Advance(45 * time.Second)

	// Position comes back mid-window: the absence clock must restart
	f.venue.SetOpenPosition(true)
	require.NoError(t, f.reconciler.Reconcile(context.Background()))

	f.venue.SetOpenPosition(false)
	f.clock.Advance(45 * time.Second)
	require.NoError(t, f.reconciler.Reconcile(context.Background()))
	assert.False(t, f.reconciler.LastResult().DriftFound)

	f.clock.Advance(45 * time.Second)
	require.NoError(t, f.reconciler.Reconcile(context.Background()))
	assert.False(t, f.reconciler.LastResult().DriftFound,
		"45s since the window restarted is not continued absence")
}

func TestReconcile_StaleLockBypassesOrphanWindow(t *testing.T) {
	f := newFixture(Config{OrphanWindow: 60 * time.Second, PendingTimeout: 10 * time.Minute})

	// A snapshot that drifted: lock held for 11s, zero groups behind it
	held := f.clock.Now().Add(-11 * time.Second)
	require.NoError(t, f.trk.Restore(&core.Snapshot{
		Symbol:        "BTCUSDT",
		LockHeldSince: &held,
		LastUpdate:    f.clock.Now(),
	}))

	// Repaired on the very first pass, no confirmation window
	require.NoError(t, f.reconciler.Reconcile(context.Background()))

	res := f.reconciler.LastResult()
	assert.True(t, res.DriftFound)
	assert.False(t, f.trk.IsHeld())
	assert.Equal(t, 1, f.venue.CancelAllCalls())
}

func TestReconcile_HealthyLockNotReleased(t *testing.T) {
	f := newFixture(Config{OrphanWindow: 60 * time.Second, PendingTimeout: 10 * time.Minute})
	f.venue.SetOpenPosition(true)

	_, err := f.trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	// Held far beyond the staleness threshold but with a live group and a
	// confirmed position: never repaired
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.reconciler.Reconcile(context.Background()))
	assert.False(t, f.reconciler.LastResult().DriftFound)
	assert.True(t, f.trk.IsHeld())
}

func TestReconcile_StuckPendingMarkedUnknownAndCancelledOnce(t *testing.T) {
	f := newFixture(Config{OrphanWindow: 10 * time.Minute, PendingTimeout: 30 * time.Second})
	f.venue.SetOpenPosition(true)

	_, err := f.trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)
	f.venue.AddRestingOrder(10)
	f.venue.AddRestingOrder(11)

	f.clock.Advance(31 * time.Second)
	require.NoError(t, f.reconciler.Reconcile(context.Background()))

	res := f.reconciler.LastResult()
	assert.True(t, res.DriftFound)
	assert.Equal(t, 1, f.venue.CancelCallCount(10))
	assert.Equal(t, 1, f.venue.CancelCallCount(11))

	o := f.trk.GetOrder(10)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusUnknown, o.Status)
}

func TestReconcile_SeenSetPreventsCancelStorm(t *testing.T) {
	f := newFixture(Config{OrphanWindow: 10 * time.Minute, PendingTimeout: 30 * time.Second})
	f.venue.SetOpenPosition(true)

	_, err := f.trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	require.NoError(t, f.reconciler.Reconcile(context.Background()))
	require.Equal(t, 1, f.venue.CancelCallCount(10))

	// A late venue update drops the order back to PENDING; when it gets
	// stuck again inside the seen horizon, no second cancel goes out.
	f.trk.ApplyUpdate(context.Background(), 10, core.StatusPending, decimal.Zero, decimal.Zero)
	f.clock.Advance(31 * time.Second)
	require.NoError(t, f.reconciler.Reconcile(context.Background()))

	assert.Equal(t, 1, f.venue.CancelCallCount(10))
}

func TestReconcile_VenueUnreachableFailsPass(t *testing.T) {
	f := newFixture(Config{OrphanWindow: 60 * time.Second, PendingTimeout: 10 * time.Minute})

	_, err := f.trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)
	f.venue.FailPosition(apperrors.ErrVenueUnavailable)

	err = f.reconciler.Reconcile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrVenueUnavailable)

	res := f.reconciler.LastResult()
	assert.Equal(t, "failed", res.Status)
	// No repairs on a failed query; tracker state is untouched
	assert.Equal(t, 1, f.trk.ActiveGroupCount())
	assert.Empty(t, f.venue.CancelCalls())

	// The venue recovers and sweeps resume normally
	f.venue.FailPosition(nil)
	f.venue.SetOpenPosition(true)
	require.NoError(t, f.reconciler.Reconcile(context.Background()))
	assert.Equal(t, "completed", f.reconciler.LastResult().Status)
}

func TestReconcile_SnapshotPersistedAfterPass(t *testing.T) {
	f := newFixture(Config{})
	f.venue.SetOpenPosition(true)

	_, err := f.trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	require.NoError(t, f.reconciler.Reconcile(context.Background()))

	snap, err := f.store.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Groups, 1)
	assert.Len(t, snap.Orders, 2)
}

func TestReconcile_EvictsTerminalOrdersOfClosedGroups(t *testing.T) {
	f := newFixture(Config{})
	f.venue.SetOpenPosition(true)

	_, err := f.trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	f.trk.OnOrderFilled(context.Background(), 11)
	f.trk.OnOrderCancelled(context.Background(), 10)

	require.NoError(t, f.reconciler.Reconcile(context.Background()))
	assert.Equal(t, 0, f.trk.OrderCount())
}
