// Package queue provides the unbounded inbound message FIFO consumed as a
// lazy sequence.
package queue

import (
	"context"
	"iter"
	"sync"
)

// Queue is an unbounded FIFO terminated by an end-of-stream sentinel. Put
// never blocks. Items put after Close are dropped, and once a consumer
// dequeues the sentinel the queue stays terminated for every consumer.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []entry[T]
	notify     chan struct{}
	done       chan struct{}
	closed     bool
	terminated bool
}

type entry[T any] struct {
	value    T
	sentinel bool
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Put appends an item. It reports false when the queue is closed.
func (q *Queue[T]) Put(v T) bool {
	return q.push(entry[T]{value: v})
}

// Close enqueues the end-of-stream sentinel behind any buffered items. Only
// the first call has an effect.
func (q *Queue[T]) Close() {
	q.push(entry[T]{sentinel: true})
}

func (q *Queue[T]) push(e entry[T]) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	if e.sentinel {
		q.closed = true
		// Wake every blocked consumer, not just the one holding notify
		close(q.done)
	}
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an item is available. ok is false once the sentinel
// has been consumed; err is set when ctx ends first. Any number of
// consumers may call Next concurrently.
func (q *Queue[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	for {
		q.mu.Lock()
		if q.terminated {
			q.mu.Unlock()
			return v, false, nil
		}
		if len(q.items) > 0 {
			e := q.items[0]
			var zero entry[T]
			q.items[0] = zero
			q.items = q.items[1:]
			if e.sentinel {
				q.terminated = true
				q.items = nil
				q.mu.Unlock()
				return v, false, nil
			}
			more := len(q.items) > 0
			q.mu.Unlock()
			// Pass the wakeup on when several puts coalesced into one
			if more {
				q.signal()
			}
			return e.value, true, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// All returns a sequence over the queue that ends at the sentinel or when
// ctx ends.
func (q *Queue[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok, err := q.Next(ctx)
			if err != nil || !ok {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of buffered entries, sentinel included.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
