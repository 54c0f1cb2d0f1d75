// Package loop is a single goroutine event loop with thread-safe task
// submission, timers and socket readiness callbacks.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"mqtt-aio/internal/logger"
)

var (
	// ErrClosed is returned for work submitted to a stopped loop.
	ErrClosed = errors.New("loop: closed")
	// ErrInLoop is returned when a blocking call is made from a loop task.
	ErrInLoop = errors.New("loop: blocking call from loop goroutine")
	// ErrRunning is returned when Run is called twice.
	ErrRunning = errors.New("loop: already running")
)

type loopKey struct{}

// InLoop reports whether ctx was handed out by a running loop, meaning the
// caller is on the loop goroutine.
func InLoop(ctx context.Context) bool {
	return ctx != nil && ctx.Value(loopKey{}) != nil
}

// Loop runs tasks one at a time on a single goroutine. Everything touched
// only from tasks needs no further locking.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	ctx     context.Context

	// loop goroutine only
	readers map[Socket]*watcher
	writers map[Socket]func()

	logger *logger.Logger
}

// New creates a loop. It does nothing until Run is called.
func New(log *logger.Logger) *Loop {
	if log == nil {
		log = logger.NewNop()
	}
	return &Loop{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		readers: make(map[Socket]*watcher),
		writers: make(map[Socket]func()),
		logger:  log,
	}
}

// Run processes tasks until ctx ends. Readers still registered are removed
// on exit and tasks left in the queue are dropped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	l.ctx = context.WithValue(ctx, loopKey{}, l)
	defer close(l.done)
	defer l.shutdown()

	for {
		l.runTasks()
		l.runWriters()

		if len(l.writers) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) shutdown() {
	l.closed.Store(true)
	for sock := range l.readers {
		l.RemoveReader(sock)
	}
	clear(l.writers)

	l.mu.Lock()
	l.tasks = nil
	l.mu.Unlock()
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Context returns the context tasks should pass to code that may block on
// the loop. It is only valid once Run has started.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// CallSoon queues fn to run on the loop. It never blocks and is safe from
// any goroutine.
func (l *Loop) CallSoon(fn func()) error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	if InLoop(ctx) {
		return ErrInLoop
	}

	done := make(chan struct{})
	if err := l.CallSoon(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) runTasks() {
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			l.run("task", task)
		}
	}
}

func (l *Loop) runWriters() {
	for _, fn := range l.writers {
		l.run("writer", fn)
	}
}

func (l *Loop) run(kind string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("loop callback panicked",
				"kind", kind,
				"error", fmt.Sprint(p))
		}
	}()
	fn()
}
