package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotResolvesOnce(t *testing.T) {
	slot := NewSlot[int]()
	assert.False(t, slot.Settled())

	require.NoError(t, slot.Resolve(42))
	assert.ErrorIs(t, slot.Resolve(7), ErrAlreadyDone)
	assert.ErrorIs(t, slot.Fail(errors.New("late")), ErrAlreadyDone)

	for i := 0; i < 3; i++ {
		v, err := slot.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
}

func TestSlotConcurrentSettle(t *testing.T) {
	slot := NewSlot[int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if slot.Resolve(v) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestSlotWaitContext(t *testing.T) {
	slot := NewSlot[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := slot.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, slot.Settled())
}

func TestTableCreateResolve(t *testing.T) {
	table := NewTable[int]()

	slot, err := table.Create(3)
	require.NoError(t, err)

	_, err = table.Create(3)
	assert.ErrorIs(t, err, ErrDuplicateMid)

	assert.True(t, table.Resolve(3, 3))
	assert.Equal(t, 0, table.Len())
	assert.False(t, table.Resolve(3, 3), "resolving twice finds nothing")

	v, err := slot.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	// The mid is free for reuse once resolved
	_, err = table.Create(3)
	assert.NoError(t, err)
}

func TestTableRemoveOnlySameSlot(t *testing.T) {
	table := NewTable[int]()

	first, err := table.Create(9)
	require.NoError(t, err)
	require.True(t, table.Fail(9, errors.New("gone")))

	second, err := table.Create(9)
	require.NoError(t, err)

	assert.False(t, table.Remove(9, first), "stale slot must not evict reused mid")
	assert.Equal(t, 1, table.Len())
	assert.True(t, table.Remove(9, second))
	assert.Equal(t, 0, table.Len())
}

func TestTableAbandonAll(t *testing.T) {
	table := NewTable[int]()
	abandoned := errors.New("abandoned")

	var slots []*Slot[int]
	for _, mid := range []int{1, 7, 12} {
		slot, err := table.Create(mid)
		require.NoError(t, err)
		slots = append(slots, slot)
	}

	assert.Equal(t, 3, table.AbandonAll(abandoned))
	assert.Equal(t, 0, table.Len())

	for _, slot := range slots {
		_, err := slot.Wait(context.Background())
		assert.ErrorIs(t, err, abandoned)
	}
	assert.Equal(t, 0, table.AbandonAll(abandoned))
}
