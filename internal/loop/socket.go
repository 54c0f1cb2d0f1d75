package loop

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Socket is a transport whose readiness can be watched.
type Socket interface {
	syscall.Conn
	SetReadDeadline(t time.Time) error
}

// watcher waits for read readiness on its own goroutine and hands each
// event to the loop, waiting for the callback before arming again so the
// callback owns the socket while it reads.
type watcher struct {
	sock    Socket
	fn      func()
	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	exited  chan struct{}
}

// AddReader calls fn on the loop whenever sock becomes readable. It must be
// called from a loop task. An existing registration is replaced.
func (l *Loop) AddReader(sock Socket, fn func()) {
	if sock == nil {
		return
	}
	l.RemoveReader(sock)

	w := &watcher{
		sock:   sock,
		fn:     fn,
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	l.readers[sock] = w
	go w.run(l)
}

// RemoveReader unregisters sock and waits for its watcher to exit. It must
// be called from a loop task and is a no-op when sock is not registered.
func (l *Loop) RemoveReader(sock Socket) bool {
	w, ok := l.readers[sock]
	if !ok {
		return false
	}
	delete(l.readers, sock)

	w.mu.Lock()
	w.stopped = true
	close(w.stop)
	_ = w.sock.SetReadDeadline(time.Now())
	w.mu.Unlock()

	<-w.exited
	return true
}

// HasReader reports whether sock is registered for reading.
func (l *Loop) HasReader(sock Socket) bool {
	_, ok := l.readers[sock]
	return ok
}

// AddWriter calls fn on every loop turn until RemoveWriter. Sockets are
// nearly always writable, so fn should unregister itself once it has
// nothing left to send.
func (l *Loop) AddWriter(sock Socket, fn func()) {
	if sock == nil {
		return
	}
	l.writers[sock] = fn
}

// RemoveWriter unregisters sock. It is a no-op when not registered.
func (l *Loop) RemoveWriter(sock Socket) bool {
	if _, ok := l.writers[sock]; !ok {
		return false
	}
	delete(l.writers, sock)
	return true
}

// HasWriter reports whether sock is registered for writing.
func (l *Loop) HasWriter(sock Socket) bool {
	_, ok := l.writers[sock]
	return ok
}

func (w *watcher) run(l *Loop) {
	defer close(w.exited)

	raw, err := w.sock.SyscallConn()
	if err != nil {
		l.logger.Error("socket does not expose readiness", "error", err)
		return
	}

	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		_ = w.sock.SetReadDeadline(time.Time{})
		w.mu.Unlock()

		// The poller drops stale readiness before calling back, so probe
		// the socket itself instead of trusting the first wakeup.
		err := raw.Read(readable)

		select {
		case <-w.stop:
			return
		default:
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			l.logger.Debug("socket watcher stopped", "error", err)
			return
		}

		done := make(chan struct{})
		if err := l.CallSoon(func() {
			defer close(done)
			if l.readers[w.sock] == w {
				l.run("reader", w.fn)
			}
		}); err != nil {
			return
		}

		select {
		case <-done:
		case <-w.stop:
			return
		}
	}
}

// readable peeks at fd without consuming data. EOF and socket errors count
// as readable so the reader gets to see them.
func readable(fd uintptr) bool {
	var buf [1]byte
	for {
		_, _, err := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return false
		default:
			return true
		}
	}
}
