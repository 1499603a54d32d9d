package props

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurify-goto/form-sender-orchestrator/internal/clock"
	"github.com/neurify-goto/form-sender-orchestrator/internal/domain/model"
)

func newTestAllocator(t *testing.T, now time.Time) (*RunIndexAllocator, *MemoryStore, *clock.FixedTimeProvider) {
	t.Helper()
	store := NewMemoryStore()
	tp := clock.NewFixedTimeProvider(now)
	alloc := NewRunIndexAllocator(RunIndexAllocatorOptions{
		Store:        store,
		Locker:       NewMemoryLocker(),
		TimeProvider: tp,
	})
	return alloc, store, tp
}

func TestAllocateReturnsBaseAndAdvances(t *testing.T) {
	now := time.Date(2024, 6, 10, 13, 0, 0, 0, clock.JST)
	alloc, store, _ := newTestAllocator(t, now)
	ctx := context.Background()

	// Seed state {date: 2024-06-10, counter: 3}.
	require.NoError(t, SetJSON(ctx, store, RunIndexKey(1), &model.RunIndexCounter{
		Date: "2024-06-10", Counter: 3,
	}))

	base, err := alloc.Allocate(ctx, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, base)

	state, err := alloc.Peek(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-10", state.Date)
	assert.Equal(t, 7, state.Counter)
}

func TestAllocateResetsOnDateRollover(t *testing.T) {
	now := time.Date(2024, 6, 10, 13, 0, 0, 0, clock.JST)
	alloc, _, tp := newTestAllocator(t, now)
	ctx := context.Background()

	base, err := alloc.Allocate(ctx, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, base)

	// Next day: the first allocation starts from zero again.
	tp.SetTime(now.AddDate(0, 0, 1))
	base, err = alloc.Allocate(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, base)

	state, err := alloc.Peek(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-11", state.Date)
	assert.Equal(t, 2, state.Counter)
}

func TestAllocateIsolatesTargetings(t *testing.T) {
	now := time.Date(2024, 6, 10, 13, 0, 0, 0, clock.JST)
	alloc, _, _ := newTestAllocator(t, now)
	ctx := context.Background()

	b1, err := alloc.Allocate(ctx, 1, 2)
	require.NoError(t, err)
	b2, err := alloc.Allocate(ctx, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, b1)
	assert.Equal(t, 0, b2)

	b1, err = alloc.Allocate(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, b1)
}

func TestAllocateRejectsInvalidTargeting(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, time.Now())
	_, err := alloc.Allocate(context.Background(), 0, 1)
	assert.Error(t, err)
}

func TestAllocateSerializesConcurrentCallers(t *testing.T) {
	now := time.Date(2024, 6, 10, 13, 0, 0, 0, clock.JST)
	alloc, _, _ := newTestAllocator(t, now)
	ctx := context.Background()

	const callers = 20
	bases := make(chan int, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			base, err := alloc.Allocate(ctx, 7, 1)
			require.NoError(t, err)
			bases <- base
		}()
	}
	wg.Wait()
	close(bases)

	seen := make(map[int]bool)
	for b := range bases {
		assert.False(t, seen[b], "duplicate base %d", b)
		seen[b] = true
	}
	assert.Len(t, seen, callers)
}

func TestGetSetJSONRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	in := model.RunIndexCounter{Date: "2024-06-10", Counter: 9, UpdatedAt: "2024-06-10T04:00:00Z"}
	require.NoError(t, SetJSON(ctx, store, "k", &in))

	var out model.RunIndexCounter
	require.NoError(t, GetJSON(ctx, store, "k", &out))
	assert.Equal(t, in, out)

	var missing model.RunIndexCounter
	assert.ErrorIs(t, GetJSON(ctx, store, "absent", &missing), ErrNotFound)
}
