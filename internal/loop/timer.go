package loop

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a scheduled callback. Stop may be called any number of times.
type Timer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

// Stop cancels the callback if it has not started. It reports whether this
// call did the cancelling.
func (t *Timer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	t.timer.Stop()
	return true
}

// CallLater runs fn on the loop after d.
func (l *Loop) CallLater(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		_ = l.CallSoon(func() {
			if t.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Periodic is a repeating loop callback.
type Periodic struct {
	mu        sync.Mutex
	timer     *Timer
	cancelled bool
}

// Cancel stops future runs. It is idempotent and safe from any goroutine.
func (p *Periodic) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelled = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Cancelled reports whether Cancel has been called.
func (p *Periodic) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Every runs fn on the loop every d until cancelled. fn may return a
// different interval for the next run; zero keeps d.
func (l *Loop) Every(d time.Duration, fn func() time.Duration) *Periodic {
	p := &Periodic{}

	var schedule func(time.Duration)
	schedule = func(next time.Duration) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.cancelled {
			return
		}
		p.timer = l.CallLater(next, func() {
			if p.Cancelled() {
				return
			}
			next := fn()
			if next <= 0 {
				next = d
			}
			schedule(next)
		})
	}
	schedule(d)
	return p
}
