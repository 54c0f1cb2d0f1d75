package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"mqtt-aio/internal/logger"
)

// Handle owns one engine instance. Engine calls and destruction never
// overlap and no engine call is made once the handle is closed.
//
// Callbacks fire while the handle is held by a pump, so they must not call
// back into the handle.
type Handle struct {
	*core
}

type core struct {
	mu        sync.Mutex
	engine    Engine
	destroyed bool
	logger    *logger.Logger
}

// NewHandle wraps e. The engine library is initialized on first use and a
// finalizer releases the engine if the handle is dropped without Close.
func NewHandle(e Engine, log *logger.Logger) *Handle {
	Init()
	if log == nil {
		log = logger.NewNop()
	}
	c := &core{engine: e, logger: log}
	track(c)

	h := &Handle{core: c}
	runtime.SetFinalizer(h, func(h *Handle) {
		h.core.destroy()
	})
	return h
}

func (c *core) destroy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return false
	}
	c.destroyed = true
	untrack(c)
	if err := c.engine.Close(); err != nil {
		c.logger.Debug("engine close failed", "error", err)
	}
	return true
}

// call runs fn under the handle lock.
func (c *core) call(name string, fn func(e Engine) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return ErrDestroyed
	}
	c.logger.Debug("CALL: " + name)
	return fn(c.engine)
}

// Close destroys the engine. Further calls return ErrDestroyed.
func (h *Handle) Close() error {
	h.core.destroy()
	runtime.SetFinalizer(h, nil)
	return nil
}

// Closed reports whether the engine has been destroyed.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *Handle) SetCallbacks(cb Callbacks) error {
	return h.call("set_callbacks", func(e Engine) error {
		e.SetCallbacks(cb)
		return nil
	})
}

func (h *Handle) Mode() Mode {
	return h.engine.Mode()
}

// Connect is synchronous and reports engine failures directly. Refusal by
// the broker arrives later through OnConnect.
func (h *Handle) Connect(host string, port int, keepalive time.Duration) error {
	return h.call("connect", func(e Engine) error {
		return e.Connect(host, port, keepalive)
	})
}

func (h *Handle) Disconnect() error {
	return h.call("disconnect", func(e Engine) error {
		return e.Disconnect()
	})
}

func (h *Handle) Publish(topic string, payload []byte, qos byte, retain bool) (int, error) {
	var mid int
	err := h.call("publish", func(e Engine) (err error) {
		mid, err = e.Publish(topic, payload, qos, retain)
		return err
	})
	return mid, err
}

// PublishWithProperties publishes with MQTT 5 properties. Engines that can
// not carry properties return ErrInvalid.
func (h *Handle) PublishWithProperties(topic string, payload []byte, qos byte, retain bool, props *Properties) (int, error) {
	var mid int
	err := h.call("publish_v5", func(e Engine) (err error) {
		pp, ok := e.(PropertyPublisher)
		if !ok {
			return fmt.Errorf("%w: engine does not support properties", ErrInvalid)
		}
		mid, err = pp.PublishWithProperties(topic, payload, qos, retain, props)
		return err
	})
	return mid, err
}

func (h *Handle) Subscribe(topic string, qos byte) (int, error) {
	var mid int
	err := h.call("subscribe", func(e Engine) (err error) {
		mid, err = e.Subscribe(topic, qos)
		return err
	})
	return mid, err
}

func (h *Handle) Unsubscribe(topic string) (int, error) {
	var mid int
	err := h.call("unsubscribe", func(e Engine) (err error) {
		mid, err = e.Unsubscribe(topic)
		return err
	})
	return mid, err
}

// Socket returns nil when not connected or after Close.
func (h *Handle) Socket() Socket {
	var s Socket
	_ = h.call("socket", func(e Engine) error {
		s = e.Socket()
		return nil
	})
	return s
}

func (h *Handle) WantWrite() bool {
	var want bool
	_ = h.call("want_write", func(e Engine) error {
		want = e.WantWrite()
		return nil
	})
	return want
}

func (h *Handle) PumpRead() error {
	return h.pump("loop_read", Engine.PumpRead)
}

func (h *Handle) PumpWrite() error {
	return h.pump("loop_write", Engine.PumpWrite)
}

func (h *Handle) PumpMisc() error {
	return h.pump("loop_misc", Engine.PumpMisc)
}

func (h *Handle) pump(name string, fn func(Engine) error) error {
	err := h.call(name, fn)
	if errors.Is(err, ErrWouldBlock) {
		return nil
	}
	return err
}
