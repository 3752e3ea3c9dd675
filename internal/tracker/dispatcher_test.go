package tracker

import (
	"context"
	"testing"

	"oco_tracker/internal/core"
	"oco_tracker/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_StatusCodeMapping(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)
	d := NewDispatcher(trk, nopLogger{})
	ctx := context.Background()

	cases := []struct {
		orderID int64
		code    int32
		want    core.OrderStatus
	}{
		{10, 0, core.StatusPending},
		{11, 4, core.StatusPartiallyFilled},
		{12, 2, core.StatusCancelled},
		{13, 3, core.StatusRejected},
	}
	for _, tc := range cases {
		require.NoError(t, trk.RegisterOrder(tc.orderID, core.RoleEntry, ""))
		d.Dispatch(ctx, tc.orderID, tc.code, decimal.Zero, decimal.Zero)
		o := trk.GetOrder(tc.orderID)
		require.NotNil(t, o)
		assert.Equal(t, tc.want, o.Status, "code %d", tc.code)
	}
}

func TestDispatcher_FilledCodeTriggersSiblingCancel(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)
	d := NewDispatcher(trk, nopLogger{})

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)
	venue.AddRestingOrder(10)

	d.Dispatch(context.Background(), 11, 1, decimal.NewFromInt(5), decimal.NewFromInt(50000))

	o := trk.GetOrder(11)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusFilled, o.Status)
	assert.True(t, o.FilledQty.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, []int64{10}, venue.CancelCalls())
}

func TestDispatcher_UnknownCodeMapsToUnknown(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)
	d := NewDispatcher(trk, nopLogger{})

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	d.Dispatch(context.Background(), 10, 99, decimal.Zero, decimal.Zero)

	o := trk.GetOrder(10)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusUnknown, o.Status)
	// The group is untouched; only the reconciliation loop acts on UNKNOWN
	assert.Equal(t, 1, trk.ActiveGroupCount())
	assert.Empty(t, venue.CancelCalls())
}

func TestDispatcher_PendingWithQuantityIsPartialFill(t *testing.T) {
	venue := mock.NewVenue("mock")
	trk, _ := newTestTracker(venue)
	d := NewDispatcher(trk, nopLogger{})

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	d.Dispatch(context.Background(), 10, 0, decimal.NewFromInt(1), decimal.NewFromInt(49000))

	o := trk.GetOrder(10)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusPartiallyFilled, o.Status)
	assert.Equal(t, 1, trk.ActiveGroupCount())
}
