package aio

import (
	"context"
	"iter"
	"time"

	"mqtt-aio/internal/engine"
	"mqtt-aio/internal/metrics"
	"mqtt-aio/internal/router"
)

// OnTopic registers handler for messages matching filter. Handlers run on
// the loop goroutine in registration order; errors and panics are logged
// and do not reach the engine. A Hooks.OnMessage hook replaces them.
func (c *Client) OnTopic(filter string, handler router.Handler) error {
	return c.router.Register(filter, handler)
}

// RemoveTopic drops the handler for filter.
func (c *Client) RemoveTopic(filter string) {
	c.router.Remove(filter)
}

// Messages returns the message stream of the current connection. It ends
// when the connection closes or ctx ends, and does not restart; a new
// connection needs a new call.
func (c *Client) Messages(ctx context.Context) iter.Seq[*engine.Message] {
	return c.queue.Load().All(ctx)
}

// Next returns the next message. ok is false once the connection's stream
// has ended.
func (c *Client) Next(ctx context.Context) (msg *engine.Message, ok bool, err error) {
	return c.queue.Load().Next(ctx)
}

func (c *Client) handleMessage(msg *engine.Message) {
	c.stats.IncMessagesReceived()
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("received")
	})

	if fn := c.opts.Hooks.OnMessage; fn != nil {
		ctx := c.loop.Context()
		c.hook("message", func() { fn(ctx, msg) })
	} else if ran, _ := c.router.Dispatch(c.loop.Context(), msg); ran > 0 {
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("dispatched")
		})
	}

	if c.opts.DisableQueue {
		return
	}
	if !c.queue.Load().Put(msg) {
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("dropped")
		})
	}
}

// drainInbox hands buffered messages from a threaded engine to the
// bridge in arrival order. It returns how many were drained.
func (c *Client) drainInbox() int {
	c.inboxMu.Lock()
	msgs := c.inbox
	c.inbox = nil
	c.inboxMu.Unlock()

	for _, msg := range msgs {
		c.handleMessage(msg)
	}
	return len(msgs)
}

// startFlush drains the inbox periodically. The interval doubles while
// idle up to the maximum and drops back to the minimum after a drain that
// found messages.
func (c *Client) startFlush() {
	if c.flush != nil {
		return
	}
	interval := c.opts.FlushMinInterval
	c.flush = c.loop.Every(interval, func() time.Duration {
		if c.drainInbox() > 0 {
			interval = c.opts.FlushMinInterval
		} else {
			interval = min(interval*2, c.opts.FlushMaxInterval)
		}
		return interval
	})
}
