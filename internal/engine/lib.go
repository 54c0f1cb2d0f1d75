package engine

import "sync"

// Process-wide engine library state. Init is idempotent and Cleanup
// releases every handle still alive.
var lib struct {
	mu          sync.Mutex
	initialized bool
	live        map[*core]struct{}
}

// Init prepares the engine library. Calling it again is a no-op.
func Init() {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	if lib.initialized {
		return
	}
	lib.initialized = true
	lib.live = make(map[*core]struct{})
}

// initialized reports whether Init has run without a later Cleanup.
func initialized() bool {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	return lib.initialized
}

// Cleanup destroys every live engine and resets the library state. It
// returns how many engines were destroyed.
func Cleanup() int {
	lib.mu.Lock()
	live := lib.live
	lib.live = nil
	lib.initialized = false
	lib.mu.Unlock()

	n := 0
	for c := range live {
		if c.destroy() {
			n++
		}
	}
	return n
}

// LiveHandles returns the number of engines not yet destroyed.
func LiveHandles() int {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	return len(lib.live)
}

func track(c *core) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.live == nil {
		lib.live = make(map[*core]struct{})
	}
	lib.live[c] = struct{}{}
}

func untrack(c *core) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	delete(lib.live, c)
}
