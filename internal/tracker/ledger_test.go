package tracker

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"oco_tracker/internal/core"
	"oco_tracker/internal/mock"
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

// fakeClock is a settable clock for exercising time windows
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(venue core.IVenue) (*Tracker, *fakeClock) {
	trk := NewTracker(venue, nopLogger{}, Config{
		Symbol:        "BTCUSDT",
		LockStaleness: 10 * time.Second,
	})
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	trk.SetNowFunc(clock.Now)
	return trk, clock
}

func TestTracker_CreateGroupHoldsLock(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)

	gid, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)
	require.NotEmpty(t, gid)

	assert.Equal(t, 1, trk.ActiveGroupCount())
	assert.True(t, trk.IsHeld())
	assert.Equal(t, core.LockHeld, trk.LockState(true))

	g := trk.GetGroup(gid)
	require.NotNil(t, g)
	assert.Equal(t, int64(10), g.StopOrderID)
	assert.Equal(t, int64(11), g.TakeOrderID)
	assert.True(t, g.Active)
}

func TestTracker_SecondGroupSamePositionConflicts(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	_, err = trk.CreateGroup("pos-1", 20, 21)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 1, trk.ActiveGroupCount())
}

func TestTracker_FailedCreationLeavesNoResidue(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	// Reusing the take leg ID collides; the stop leg must be rolled back
	_, err = trk.CreateGroup("pos-2", 20, 11)
	require.ErrorIs(t, err, apperrors.ErrDuplicateOrder)
	assert.Nil(t, trk.GetOrder(20))
	assert.False(t, trk.IsHeld() && trk.ActiveGroupCount() > 1)
}

func TestTracker_TakeFillCancelsStopAndReleasesLock(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)
	venue.AddRestingOrder(10)
	venue.AddRestingOrder(11)

	gid, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	trk.OnOrderFilled(context.Background(), 11)

	g := trk.GetGroup(gid)
	require.NotNil(t, g)
	assert.False(t, g.Active)
	assert.Equal(t, core.RoleTake, g.ClosedBy)

	assert.Equal(t, []int64{10}, venue.CancelCalls())
	assert.False(t, trk.IsHeld())
	assert.Equal(t, core.LockReleased, trk.LockState(false))
}

func TestTracker_DoubleFillRecordsStopAsClose(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)

	gid, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	// Take leg fill wins the race, then the stop's fill report lands
	// before its cancellation took effect at the venue.
	trk.OnOrderFilled(context.Background(), 11)
	trk.OnOrderFilled(context.Background(), 10)

	g := trk.GetGroup(gid)
	require.NotNil(t, g)
	assert.False(t, g.Active)
	assert.Equal(t, core.RoleStop, g.ClosedBy)
}

func TestTracker_SiblingAlreadyGoneIsBenign(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)

	gid, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	// Stop is not resting at the venue, so its cancel reports not-found.
	// The fill handling must still deactivate the group.
	trk.OnOrderFilled(context.Background(), 11)

	assert.Equal(t, 1, venue.CancelCallCount(10))
	g := trk.GetGroup(gid)
	require.NotNil(t, g)
	assert.False(t, g.Active)
}

func TestTracker_LateUpdateDoesNotResurrectTerminalLeg(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)
	venue.AddRestingOrder(10)
	venue.AddRestingOrder(11)

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	trk.OnOrderFilled(context.Background(), 11)
	trk.OnOrderCancelled(context.Background(), 10)
	require.Equal(t, 1, venue.CancelCallCount(10))

	// Stale venue replay: a PENDING for the cancelled stop and a repeat
	// FILLED for the take. Neither may change state or re-cancel.
	trk.ApplyUpdate(context.Background(), 10, core.StatusPending, decimal.Zero, decimal.Zero)
	trk.ApplyUpdate(context.Background(), 11, core.StatusFilled, decimal.Zero, decimal.Zero)

	o := trk.GetOrder(10)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusCancelled, o.Status)
	assert.Equal(t, 1, venue.CancelCallCount(10))
	assert.False(t, trk.IsHeld())
}

func TestTracker_BothLegsTerminalDeactivates(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)

	gid, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	trk.OnOrderCancelled(context.Background(), 10)
	g := trk.GetGroup(gid)
	require.NotNil(t, g)
	assert.True(t, g.Active, "one terminal leg must not close the group")

	trk.OnOrderCancelled(context.Background(), 11)
	g = trk.GetGroup(gid)
	require.NotNil(t, g)
	assert.False(t, g.Active)
	assert.Equal(t, "both_legs_terminal", g.DeactivateReason)
	assert.False(t, trk.IsHeld())
}

func TestTracker_UpdateForUnknownOrderIgnored(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)

	trk.ApplyUpdate(context.Background(), 999, core.StatusFilled, decimal.Zero, decimal.Zero)
	assert.Equal(t, 0, trk.OrderCount())
	assert.Empty(t, venue.CancelCalls())
}

func TestTracker_ForceReleaseCancelsAllPending(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)
	venue.AddRestingOrder(10)
	venue.AddRestingOrder(11)

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	trk.ForceRelease(context.Background(), "operator_request")

	assert.False(t, trk.IsHeld())
	assert.Equal(t, 0, trk.ActiveGroupCount())
	assert.Equal(t, 1, venue.CancelAllCalls())
	assert.Equal(t, 0, venue.OpenCount())
}

func TestTracker_ForceReleaseIfDesynced(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, clock := newTestTracker(venue)

	// Healthy held lock is never force-released
	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, released := trk.ForceReleaseIfDesynced(context.Background())
	assert.False(t, released)

	// Fabricate the contradiction through a restored snapshot: lock held
	// with zero active groups.
	held := clock.Now().Add(-11 * time.Second)
	snap := &core.Snapshot{
		Symbol:        "BTCUSDT",
		LockHeldSince: &held,
		LastUpdate:    clock.Now(),
	}
	trk2, clock2 := newTestTracker(venue)
	clock2.now = clock.Now()
	require.NoError(t, trk2.Restore(snap))

	heldFor, released := trk2.ForceReleaseIfDesynced(context.Background())
	assert.True(t, released)
	assert.Equal(t, 11*time.Second, heldFor)
	assert.False(t, trk2.IsHeld())
}

func TestTracker_TimeoutPendingMarksUnknown(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, clock := newTestTracker(venue)

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	ids := trk.TimeoutPending(clock.Now().Add(-30 * time.Second))
	assert.ElementsMatch(t, []int64{10, 11}, ids)

	o := trk.GetOrder(10)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusUnknown, o.Status)

	// UNKNOWN orders do not time out again
	assert.Empty(t, trk.TimeoutPending(clock.Now()))
}

func TestTracker_EvictTerminalKeepsActiveGroups(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)
	_, err = trk.CreateGroup("pos-2", 20, 21)
	require.NoError(t, err)

	// Close the first group; its legs become evictable
	trk.OnOrderFilled(context.Background(), 11)
	trk.OnOrderCancelled(context.Background(), 10)

	// A terminal leg inside the still-active second group must survive
	trk.ApplyUpdate(context.Background(), 20, core.StatusRejected, decimal.Zero, decimal.Zero)
	g2 := trk.GetGroup(trk.GetOrder(21).GroupID)
	require.NotNil(t, g2)

	evicted := trk.EvictTerminal()
	assert.Equal(t, 2, evicted)
	assert.Nil(t, trk.GetOrder(10))
	assert.Nil(t, trk.GetOrder(11))
	assert.NotNil(t, trk.GetOrder(20))
	assert.NotNil(t, trk.GetOrder(21))
}

func TestTracker_SnapshotRoundTrip(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, clock := newTestTracker(venue)

	gid, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)
	trk.ApplyUpdate(context.Background(), 10, core.StatusPartiallyFilled, decimal.NewFromInt(2), decimal.NewFromInt(50000))

	snap := trk.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Len(t, snap.Groups, 1)
	assert.Len(t, snap.Orders, 2)
	require.NotNil(t, snap.LockHeldSince)

	trk2, clock2 := newTestTracker(venue)
	clock2.now = clock.Now()
	require.NoError(t, trk2.Restore(snap))

	assert.Equal(t, 1, trk2.ActiveGroupCount())
	assert.True(t, trk2.IsHeld())
	g := trk2.GetGroup(gid)
	require.NotNil(t, g)
	assert.True(t, g.Active)
	o := trk2.GetOrder(10)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledQty.Equal(decimal.NewFromInt(2)))

	// Restored state behaves: the fill still cancels the sibling
	trk2.OnOrderFilled(context.Background(), 10)
	assert.False(t, trk2.IsHeld())
}

func TestTracker_LockAlwaysMatchesActiveGroups(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, clock := newTestTracker(venue)
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	nextID := int64(100)
	var positions int
	live := make(map[string][2]int64) // positionID -> legs

	for i := 0; i < 500; i++ {
		clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)

		switch rng.Intn(4) {
		case 0:
			positions++
			pos := fmt.Sprintf("pos-%d", positions)
			stop, take := nextID, nextID+1
			nextID += 2
			if _, err := trk.CreateGroup(pos, stop, take); err == nil {
				live[pos] = [2]int64{stop, take}
			}
		case 1, 2:
			for pos, legs := range live {
				trk.OnOrderFilled(ctx, legs[rng.Intn(2)])
				delete(live, pos)
				break
			}
		case 3:
			for pos, legs := range live {
				trk.OnOrderCancelled(ctx, legs[0])
				trk.OnOrderCancelled(ctx, legs[1])
				delete(live, pos)
				break
			}
		}

		// The lock is a pure derivation: held iff any group is active
		assert.Equal(t, trk.ActiveGroupCount() > 0, trk.IsHeld(),
			"step %d: lock diverged from ledger", i)
		assert.Equal(t, len(live), trk.ActiveGroupCount())
	}
}

func TestTracker_RestoreRejectsStaleSnapshot(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, clock := newTestTracker(venue)

	snap := &core.Snapshot{
		Symbol:     "BTCUSDT",
		LastUpdate: clock.Now().Add(-11 * time.Second),
	}
	err := trk.Restore(snap)
	assert.ErrorIs(t, err, apperrors.ErrStaleSnapshot)
}
