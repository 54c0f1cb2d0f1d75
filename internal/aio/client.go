// Package aio bridges a callback driven MQTT engine into blocking,
// context aware operations. All bridge state lives on one event loop; the
// public methods post work to it and wait for the engine callback that
// completes them.
package aio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mqtt-aio/internal/engine"
	"mqtt-aio/internal/logger"
	"mqtt-aio/internal/loop"
	"mqtt-aio/internal/metrics"
	"mqtt-aio/internal/pending"
	"mqtt-aio/internal/queue"
	"mqtt-aio/internal/router"
	"mqtt-aio/internal/stats"
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SubscribeResult is the outcome of a subscribe. Properties is set on
// MQTT 5 connections only.
type SubscribeResult struct {
	Mid        int
	Count      int
	GrantedQoS []byte
	Properties *engine.Properties
}

// Hooks are optional observers of engine events. They run on the loop
// goroutine after the bridge has handled the event, except OnLog which may
// run on an engine goroutine. A panicking hook is logged and ignored.
type Hooks struct {
	OnConnect     func(rc engine.ConnackCode)
	OnDisconnect  func(reason error)
	OnPublish     func(mid int)
	OnSubscribe   func(res SubscribeResult)
	OnUnsubscribe func(mid int)
	// OnLog replaces the default debug logging of engine lines.
	OnLog func(level engine.LogLevel, line string)
	// OnMessage replaces topic handler dispatch. Messages are still
	// queued for Messages and Next.
	OnMessage func(ctx context.Context, msg *engine.Message)
}

// Options tune a Client. Zero values take defaults.
type Options struct {
	// MiscInterval is the keep-alive housekeeping period.
	MiscInterval time.Duration
	// OperationTimeout bounds every wait for an engine callback. Zero
	// waits until the callback, the caller's context or a disconnect.
	OperationTimeout time.Duration
	// FlushMinInterval and FlushMaxInterval bound the inbound flush
	// backoff used with threaded engines.
	FlushMinInterval time.Duration
	FlushMaxInterval time.Duration
	// DisableQueue stops enqueueing messages for Messages and Next. Topic
	// handlers still run.
	DisableQueue bool
	Hooks        Hooks

	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Stats   *stats.StatsCollector
}

const (
	defaultMiscInterval     = time.Second
	defaultFlushMinInterval = 5 * time.Millisecond
	defaultFlushMaxInterval = 100 * time.Millisecond
)

func (o *Options) setDefaults() {
	if o.MiscInterval <= 0 {
		o.MiscInterval = defaultMiscInterval
	}
	if o.FlushMinInterval <= 0 {
		o.FlushMinInterval = defaultFlushMinInterval
	}
	if o.FlushMaxInterval < o.FlushMinInterval {
		o.FlushMaxInterval = defaultFlushMaxInterval
		if o.FlushMaxInterval < o.FlushMinInterval {
			o.FlushMaxInterval = o.FlushMinInterval
		}
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.Stats == nil {
		o.Stats = stats.NewStatsCollector()
	}
}

// Client is safe for concurrent use. Blocking methods must not be called
// from the loop goroutine; topic handlers that do so with the context they
// were given get ErrInLoop.
type Client struct {
	loop    *loop.Loop
	handle  *engine.Handle
	router  *router.Router
	opts    Options
	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector

	// Touched only on the loop.
	destroyed      bool
	state          State
	sock           loop.Socket
	misc           *loop.Periodic
	flush          *loop.Periodic
	connectSlot    *pending.Slot[engine.ConnackCode]
	disconnectSlot *pending.Slot[error]
	pubs           *pending.Table[int]
	subs           *pending.Table[SubscribeResult]
	unsubs         *pending.Table[int]

	stateMirror atomic.Int32
	queue       atomic.Pointer[queue.Queue[*engine.Message]]

	// Inbound buffer for threaded engines.
	inboxMu sync.Mutex
	inbox   []*engine.Message
}

// New creates a client driving h on l. The client installs itself as the
// engine's callback sink.
func New(l *loop.Loop, h *engine.Handle, opts Options) (*Client, error) {
	if l == nil || h == nil {
		return nil, fmt.Errorf("aio: loop and engine handle are required")
	}
	opts.setDefaults()

	c := &Client{
		loop:    l,
		handle:  h,
		router:  router.New(opts.Logger),
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		stats:   opts.Stats,
		pubs:    pending.NewTable[int](),
		subs:    pending.NewTable[SubscribeResult](),
		unsubs:  pending.NewTable[int](),
	}
	c.queue.Store(queue.New[*engine.Message]())
	c.router.OnError(func(string, error) {
		c.stats.IncHandlerErrors()
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncHandlerErrors()
		})
	})

	if err := h.SetCallbacks(c.callbacks()); err != nil {
		return nil, fmt.Errorf("failed to install engine callbacks: %w", err)
	}
	return c, nil
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (c *Client) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}

func (c *Client) setState(s State) {
	c.state = s
	c.stateMirror.Store(int32(s))
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.stateMirror.Load())
}

// QueueDepth returns the number of messages waiting to be consumed.
func (c *Client) QueueDepth() int {
	return c.queue.Load().Len()
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() map[string]interface{} {
	s := c.stats.GetStats()
	s["state"] = c.State().String()
	s["queue_depth"] = c.QueueDepth()
	s["handlers"] = c.router.Len()
	return s
}

// Destroy tears the connection state down and releases the engine.
// Pending operations are abandoned with engine.ErrDestroyed, the message
// stream ends and the client can not connect again.
func (c *Client) Destroy() error {
	err := c.loop.Call(context.Background(), c.destroy)
	if err != nil {
		// The loop is shutting down; once it has stopped nothing else
		// touches the loop state.
		c.logger.Debug("loop unavailable while destroying client", "error", err)
		<-c.loop.Done()
		c.destroy()
	}
	return c.handle.Close()
}

func (c *Client) destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.handleDisconnect(fmt.Errorf("%w: client destroyed", engine.ErrDestroyed))
}

// callbacks builds the engine callback table. Polled engines call back on
// the loop from inside a pump. Threaded engines call from their own
// goroutines, so every event is posted to the loop and messages go through
// the inbox.
func (c *Client) callbacks() engine.Callbacks {
	onLog := func(level engine.LogLevel, line string) {
		if c.opts.Hooks.OnLog != nil {
			c.hook("log", func() { c.opts.Hooks.OnLog(level, line) })
			return
		}
		c.logger.Debug("MOSQ/" + level.String() + " " + line)
	}

	if c.handle.Mode() == engine.ModePolled {
		return engine.Callbacks{
			OnConnect:       c.handleConnect,
			OnDisconnect:    c.handleDisconnect,
			OnPublish:       c.handlePublish,
			OnSubscribe:     c.handleSubscribe,
			OnUnsubscribe:   c.handleUnsubscribe,
			OnMessage:       c.handleMessage,
			OnLog:           onLog,
			OnRequestFailed: c.handleRequestFailed,
		}
	}

	return engine.Callbacks{
		OnConnect: func(rc engine.ConnackCode) {
			c.post(func() { c.handleConnect(rc) })
		},
		OnDisconnect: func(reason error) {
			c.post(func() { c.handleDisconnect(reason) })
		},
		OnPublish: func(mid int) {
			c.post(func() { c.handlePublish(mid) })
		},
		OnSubscribe: func(mid int, granted []byte, props *engine.Properties) {
			c.post(func() { c.handleSubscribe(mid, granted, props) })
		},
		OnUnsubscribe: func(mid int) {
			c.post(func() { c.handleUnsubscribe(mid) })
		},
		OnMessage: func(msg *engine.Message) {
			c.inboxMu.Lock()
			c.inbox = append(c.inbox, msg)
			c.inboxMu.Unlock()
		},
		OnLog: onLog,
		OnRequestFailed: func(mid int, err error) {
			c.post(func() { c.handleRequestFailed(mid, err) })
		},
	}
}

func (c *Client) post(fn func()) {
	if err := c.loop.CallSoon(fn); err != nil {
		c.logger.Warn("dropping engine event, loop is closed", "error", err)
	}
}

// hook runs a user hook, logging a panic instead of letting it reach the
// engine.
func (c *Client) hook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}
