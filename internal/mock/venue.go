// Package mock provides an in-memory venue for tests and for running the
// tracker without a live bridge process.
package mock

import (
	"context"
	"fmt"
	"sync"

	"oco_tracker/internal/core"
	apperrors "oco_tracker/pkg/errors"
)

// Venue is a scriptable in-memory implementation of core.IVenue. Orders
// submitted to it rest as pending until cancelled. Test helpers control
// the position signal and inject failures.
type Venue struct {
	mu sync.Mutex

	name   string
	nextID int64
	open   map[int64]bool

	hasPosition bool

	cancelCalls    []int64
	cancelAllCalls int

	cancelErr   error
	positionErr error
	healthErr   error
}

// NewVenue creates an empty mock venue.
func NewVenue(name string) *Venue {
	return &Venue{
		name:   name,
		nextID: 100,
		open:   make(map[int64]bool),
	}
}

func (v *Venue) GetName() string {
	return v.name
}

func (v *Venue) CheckHealth(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.healthErr
}

func (v *Venue) SubmitOrder(ctx context.Context, req *core.SubmitOrderRequest) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextID++
	v.open[v.nextID] = true
	return v.nextID, nil
}

// CancelOrder cancels a resting order. Cancelling an order that is not
// resting returns ErrOrderNotFound, matching the idempotent-tolerant
// contract of the real bridge.
func (v *Venue) CancelOrder(ctx context.Context, orderID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cancelCalls = append(v.cancelCalls, orderID)
	if v.cancelErr != nil {
		err := v.cancelErr
		v.cancelErr = nil
		return err
	}
	if !v.open[orderID] {
		return fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	delete(v.open, orderID)
	return nil
}

func (v *Venue) CancelAllPending(ctx context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cancelAllCalls++
	n := len(v.open)
	v.open = make(map[int64]bool)
	return n, nil
}

func (v *Venue) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.positionErr != nil {
		return false, v.positionErr
	}
	return v.hasPosition, nil
}

// AddRestingOrder registers an order as resting at the venue without
// going through SubmitOrder, so tests can use fixed IDs.
func (v *Venue) AddRestingOrder(orderID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open[orderID] = true
}

// SetOpenPosition scripts the position-status signal.
func (v *Venue) SetOpenPosition(open bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hasPosition = open
}

// FailNextCancel makes the next CancelOrder call return err.
func (v *Venue) FailNextCancel(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelErr = err
}

// FailPosition makes HasOpenPosition return err until cleared.
func (v *Venue) FailPosition(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positionErr = err
}

// FailHealth makes CheckHealth return err until cleared.
func (v *Venue) FailHealth(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.healthErr = err
}

// CancelCalls returns every order ID a cancel was requested for, in
// call order.
func (v *Venue) CancelCalls() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int64, len(v.cancelCalls))
	copy(out, v.cancelCalls)
	return out
}

// CancelCallCount returns how many cancels were requested for orderID.
func (v *Venue) CancelCallCount(orderID int64) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, id := range v.cancelCalls {
		if id == orderID {
			n++
		}
	}
	return n
}

// CancelAllCalls returns how many times CancelAllPending was invoked.
func (v *Venue) CancelAllCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelAllCalls
}

// OpenCount returns the number of orders still resting.
func (v *Venue) OpenCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.open)
}
