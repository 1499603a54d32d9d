package props

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
)

// runIndexLockName serializes all run-index allocations; allocations for
// different targetings share the lock because the original control plane
// used a single script-wide mutex.
const runIndexLockName = "run-index"

// RunIndexAllocator hands out per-targeting, per-day run-index bases.
// Allocate returns the counter value before the call and advances it by the
// requested delta; a stored date different from today resets the counter
// to zero first.
type RunIndexAllocator struct {
	store  Store
	locker Locker
	tp     clock.TimeProvider
}

// RunIndexAllocatorOptions holds the dependencies for the allocator.
type RunIndexAllocatorOptions struct {
	Store        Store
	Locker       Locker
	TimeProvider clock.TimeProvider
}

// NewRunIndexAllocator creates a run-index allocator.
func NewRunIndexAllocator(opts RunIndexAllocatorOptions) *RunIndexAllocator {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &clock.RealTimeProvider{}
	}
	return &RunIndexAllocator{store: opts.Store, locker: opts.Locker, tp: tp}
}

// Allocate reserves delta run indexes for the targeting and returns the base.
func (a *RunIndexAllocator) Allocate(ctx context.Context, targetingID, delta int) (int, error) {
	if targetingID < 1 {
		return 0, fmt.Errorf("invalid targeting id %d", targetingID)
	}
	if delta < 1 {
		delta = 1
	}

	var base int
	err := a.locker.WithLock(ctx, runIndexLockName, func(ctx context.Context) error {
		today := clock.DateKeyJST(a.tp.Now())
		key := RunIndexKey(targetingID)

		var state model.RunIndexCounter
		switch err := GetJSON(ctx, a.store, key, &state); {
		case errors.Is(err, ErrNotFound):
			state = model.RunIndexCounter{Date: today}
		case err != nil:
			return err
		}
		if state.Date != today {
			state = model.RunIndexCounter{Date: today}
		}

		base = state.Counter
		state.Counter += delta
		state.UpdatedAt = a.tp.Now().UTC().Format(time.RFC3339)
		return SetJSON(ctx, a.store, key, &state)
	})
	if err != nil {
		return 0, fmt.Errorf("allocate run index for targeting %d: %w", targetingID, err)
	}
	return base, nil
}

// Peek returns the current counter state without advancing it.
func (a *RunIndexAllocator) Peek(ctx context.Context, targetingID int) (model.RunIndexCounter, error) {
	var state model.RunIndexCounter
	err := GetJSON(ctx, a.store, RunIndexKey(targetingID), &state)
	if errors.Is(err, ErrNotFound) {
		return model.RunIndexCounter{Date: clock.DateKeyJST(a.tp.Now())}, nil
	}
	return state, err
}
