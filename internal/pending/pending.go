// Package pending correlates in-flight MQTT operations with their completion
// callbacks by message identifier.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateMid is returned when a mid already has a pending slot.
	ErrDuplicateMid = errors.New("pending: duplicate message id")
	// ErrAlreadyDone is returned when a settled slot is settled again.
	ErrAlreadyDone = errors.New("pending: slot already settled")
)

// Slot is a single-assignment completion cell. It moves from pending to
// resolved or failed exactly once.
type Slot[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// NewSlot creates a pending slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{done: make(chan struct{})}
}

// Resolve settles the slot with a value.
func (s *Slot[T]) Resolve(v T) error {
	return s.settle(v, nil)
}

// Fail settles the slot with an error.
func (s *Slot[T]) Fail(err error) error {
	var zero T
	return s.settle(zero, err)
}

func (s *Slot[T]) settle(v T, err error) error {
	settled := false
	s.once.Do(func() {
		s.value = v
		s.err = err
		close(s.done)
		settled = true
	})
	if !settled {
		return ErrAlreadyDone
	}
	return nil
}

// Done is closed once the slot settles.
func (s *Slot[T]) Done() <-chan struct{} {
	return s.done
}

// Settled reports whether the slot has been resolved or failed.
func (s *Slot[T]) Settled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the slot settles or ctx ends. Repeated calls return the
// cached outcome.
func (s *Slot[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.value, s.err
	default:
	}

	select {
	case <-s.done:
		return s.value, s.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Table maps message identifiers to pending slots. It is safe for
// concurrent use, although the bridge only touches it from its loop.
type Table[T any] struct {
	mu    sync.Mutex
	slots map[int]*Slot[T]
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{slots: make(map[int]*Slot[T])}
}

// Create registers a new pending slot for mid. A settled slot left behind
// for the same mid is replaced.
func (t *Table[T]) Create(mid int) (*Slot[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.slots[mid]; ok && !old.Settled() {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateMid, mid)
	}
	slot := NewSlot[T]()
	t.slots[mid] = slot
	return slot, nil
}

// Resolve settles and removes the slot for mid. It reports whether a slot
// was found.
func (t *Table[T]) Resolve(mid int, v T) bool {
	t.mu.Lock()
	slot, ok := t.slots[mid]
	delete(t.slots, mid)
	t.mu.Unlock()

	if !ok {
		return false
	}
	return slot.Resolve(v) == nil
}

// Fail fails and removes the slot for mid.
func (t *Table[T]) Fail(mid int, err error) bool {
	t.mu.Lock()
	slot, ok := t.slots[mid]
	delete(t.slots, mid)
	t.mu.Unlock()

	if !ok {
		return false
	}
	return slot.Fail(err) == nil
}

// Remove drops the entry for mid only if it still maps to slot. Used by
// callers that give up waiting, since the mid may have been reused.
func (t *Table[T]) Remove(mid int, slot *Slot[T]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.slots[mid]; ok && cur == slot {
		delete(t.slots, mid)
		return true
	}
	return false
}

// AbandonAll fails every pending slot with err and empties the table. It
// returns the number of slots failed.
func (t *Table[T]) AbandonAll(err error) int {
	t.mu.Lock()
	slots := t.slots
	t.slots = make(map[int]*Slot[T])
	t.mu.Unlock()

	n := 0
	for _, slot := range slots {
		if slot.Fail(err) == nil {
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
