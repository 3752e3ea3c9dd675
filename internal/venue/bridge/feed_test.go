package bridge

import (
	"fmt"
	"testing"
	"time"

	"oco_tracker/internal/core"
	"oco_tracker/internal/mock"
	"oco_tracker/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFeed(t *testing.T) (*Feed, *tracker.Tracker, *mock.Venue) {
	t.Helper()
	venue := mock.NewVenue("mock")
	trk := tracker.NewTracker(venue, nopLogger{}, tracker.Config{Symbol: "BTCUSDT"})
	d := tracker.NewDispatcher(trk, nopLogger{})

	f := NewFeed(FeedConfig{
		WSURL:      "ws://127.0.0.1:0/v1/stream",
		Symbol:     "BTCUSDT",
		PoolBuffer: 1024,
	}, d, nopLogger{})
	t.Cleanup(f.Stop)
	return f, trk, venue
}

func TestFeed_DispatchesOrderEvents(t *testing.T) {
	f, trk, _ := newTestFeed(t)

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	f.handleMessage([]byte(`{"order_id":10,"status":2,"symbol":"BTCUSDT"}`))

	assert.Eventually(t, func() bool {
		o := trk.GetOrder(10)
		return o != nil && o.Status == core.StatusCancelled
	}, time.Second, 10*time.Millisecond)
}

// A partial fill immediately followed by the full fill of the same order
// must land in that order; a filled order left PARTIALLY_FILLED means the
// dispatch path reordered them.
func TestFeed_SameOrderUpdatesApplyInArrivalOrder(t *testing.T) {
	f, trk, _ := newTestFeed(t)

	const orders = 200
	for id := int64(1); id <= orders; id++ {
		require.NoError(t, trk.RegisterOrder(id, core.RoleEntry, ""))
	}

	for id := int64(1); id <= orders; id++ {
		f.handleMessage([]byte(fmt.Sprintf(
			`{"order_id":%d,"status":4,"filled_qty":"1","avg_price":"100","symbol":"BTCUSDT"}`, id)))
		f.handleMessage([]byte(fmt.Sprintf(
			`{"order_id":%d,"status":1,"filled_qty":"2","avg_price":"100","symbol":"BTCUSDT"}`, id)))
	}

	assert.Eventually(t, func() bool {
		for id := int64(1); id <= orders; id++ {
			o := trk.GetOrder(id)
			if o == nil || o.Status != core.StatusFilled {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFeed_IgnoresForeignSymbol(t *testing.T) {
	f, trk, _ := newTestFeed(t)

	_, err := trk.CreateGroup("pos-1", 10, 11)
	require.NoError(t, err)

	f.handleMessage([]byte(`{"order_id":10,"status":2,"symbol":"ETHUSDT"}`))
	f.handleMessage([]byte(`not json`))

	time.Sleep(50 * time.Millisecond)
	o := trk.GetOrder(10)
	require.NotNil(t, o)
	assert.Equal(t, core.StatusPending, o.Status)
}
