package aio

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mqtt-aio/internal/engine"
)

// fakeEngine scripts engine callbacks. In polled mode an event is queued
// and a byte written to the peer socket, so delivery goes through real
// read readiness and PumpRead. In threaded mode events fire straight from
// the emitting goroutine.
type fakeEngine struct {
	t    *testing.T
	mode engine.Mode
	ln   net.Listener

	mu         sync.Mutex
	cb         engine.Callbacks
	client     *net.TCPConn
	server     net.Conn
	events     []func(engine.Callbacks)
	calls      []string
	nextMid    int
	closed     bool
	connected  bool
	miscCalls  int
	lastClient *net.TCPConn

	// Behaviour knobs, set before Connect.
	connackCode    int // negative means no CONNACK
	connectErr     error
	noSocket       bool
	ackRequests    bool
	grantedQoS     byte
	failRequests   error // requests fail through OnRequestFailed
	holdDisconnect bool  // DISCONNECT is never completed by the fake
}

func newFakeEngine(t *testing.T, mode engine.Mode) *fakeEngine {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	return &fakeEngine{
		t:           t,
		mode:        mode,
		ln:          ln,
		nextMid:     1,
		ackRequests: true,
		grantedQoS:  1,
	}
}

func (f *fakeEngine) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// emit delivers ev through the engine's callback path.
func (f *fakeEngine) emit(ev func(engine.Callbacks)) {
	if f.mode == engine.ModeThreaded {
		f.mu.Lock()
		cb := f.cb
		f.mu.Unlock()
		ev(cb)
		return
	}

	f.mu.Lock()
	f.events = append(f.events, ev)
	server := f.server
	f.mu.Unlock()
	if server != nil {
		_, _ = server.Write([]byte{0})
	}
}

// drop simulates the engine closing the link.
func (f *fakeEngine) drop(reason error) {
	f.emit(func(cb engine.Callbacks) {
		f.closeConn()
		cb.OnDisconnect(reason)
	})
}

func (f *fakeEngine) message(topic, payload string) {
	msg := &engine.Message{Topic: topic, Payload: []byte(payload)}
	f.emit(func(cb engine.Callbacks) { cb.OnMessage(msg) })
}

func (f *fakeEngine) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if f.client != nil {
		f.client.Close()
		f.server.Close()
		f.client, f.server = nil, nil
	}
}

func (f *fakeEngine) Connect(host string, port int, keepalive time.Duration) error {
	f.mu.Lock()
	f.record("connect")
	err := f.connectErr
	rc := f.connackCode
	f.mu.Unlock()
	if err != nil {
		return err
	}

	if f.mode == engine.ModePolled {
		accepted := make(chan net.Conn, 1)
		go func() {
			c, err := f.ln.Accept()
			if err == nil {
				accepted <- c
			}
		}()
		c, err := net.Dial("tcp", f.ln.Addr().String())
		if err != nil {
			return err
		}
		server := <-accepted

		f.mu.Lock()
		f.client = c.(*net.TCPConn)
		f.lastClient = f.client
		f.server = server
		f.mu.Unlock()
	}

	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()

	if rc < 0 {
		return nil
	}
	code := engine.ConnackCode(rc)
	f.emit(func(cb engine.Callbacks) {
		cb.OnConnect(code)
		if code != engine.ConnAccepted {
			f.closeConn()
			cb.OnDisconnect(engine.ErrConnRefused)
		}
	})
	return nil
}

func (f *fakeEngine) Disconnect() error {
	f.mu.Lock()
	f.record("disconnect")
	connected := f.connected
	f.mu.Unlock()

	if !connected {
		return engine.ErrNoConn
	}
	f.mu.Lock()
	hold := f.holdDisconnect
	f.mu.Unlock()
	if !hold {
		f.drop(nil)
	}
	return nil
}

func (f *fakeEngine) request(name string, ack func(cb engine.Callbacks, mid int)) (int, error) {
	f.mu.Lock()
	f.record(name)
	if !f.connected {
		f.mu.Unlock()
		return 0, engine.ErrNoConn
	}
	mid := f.nextMid
	f.nextMid++
	ackRequests := f.ackRequests
	failure := f.failRequests
	f.mu.Unlock()

	switch {
	case failure != nil:
		err := fmt.Errorf("%w: %s: %v", engine.ErrRequestFailed, name, failure)
		f.emit(func(cb engine.Callbacks) { cb.OnRequestFailed(mid, err) })
	case ackRequests:
		f.emit(func(cb engine.Callbacks) { ack(cb, mid) })
	}
	return mid, nil
}

func (f *fakeEngine) Publish(topic string, payload []byte, qos byte, retain bool) (int, error) {
	return f.request("publish", func(cb engine.Callbacks, mid int) { cb.OnPublish(mid) })
}

func (f *fakeEngine) Subscribe(topic string, qos byte) (int, error) {
	granted := f.grantedQoS
	return f.request("subscribe", func(cb engine.Callbacks, mid int) { cb.OnSubscribe(mid, []byte{granted}, nil) })
}

func (f *fakeEngine) Unsubscribe(topic string) (int, error) {
	return f.request("unsubscribe", func(cb engine.Callbacks, mid int) { cb.OnUnsubscribe(mid) })
}

func (f *fakeEngine) Socket() engine.Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noSocket || f.client == nil {
		return nil
	}
	return f.client
}

func (f *fakeEngine) WantWrite() bool  { return false }
func (f *fakeEngine) PumpWrite() error { return nil }

func (f *fakeEngine) PumpRead() error {
	f.mu.Lock()
	conn := f.client
	f.mu.Unlock()
	if conn == nil {
		return engine.ErrNoConn
	}

	buf := make([]byte, 64)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
	n, _ := conn.Read(buf)

	f.mu.Lock()
	events := f.events
	f.events = nil
	cb := f.cb
	f.mu.Unlock()

	for _, ev := range events {
		ev(cb)
	}
	if n == 0 && len(events) == 0 {
		return engine.ErrWouldBlock
	}
	return nil
}

func (f *fakeEngine) PumpMisc() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.miscCalls++
	if !f.connected {
		return engine.ErrNoConn
	}
	return nil
}

func (f *fakeEngine) LastSocket() *net.TCPConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastClient
}

func (f *fakeEngine) MiscCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.miscCalls
}

func (f *fakeEngine) SetCallbacks(cb engine.Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeEngine) Mode() engine.Mode { return f.mode }

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeConn()
	return nil
}
