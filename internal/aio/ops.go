package aio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mqtt-aio/internal/engine"
	"mqtt-aio/internal/metrics"
	"mqtt-aio/internal/pending"
)

const (
	opPublish     = "publish"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
)

// wait blocks on slot under ctx and the optional timeout.
func wait[T any](ctx context.Context, timeout time.Duration, slot *pending.Slot[T]) (T, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	v, err := slot.Wait(waitCtx)
	if err != nil && !slot.Settled() && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return v, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return v, err
}

// request issues one operation on the loop, registers its slot before any
// callback can run and waits for the result. A caller that gives up
// removes its own slot.
func request[T any](ctx context.Context, c *Client, op string, table *pending.Table[T], issue func() (int, error)) (T, error) {
	var zero T
	var slot *pending.Slot[T]
	var mid int
	var err error

	if callErr := c.loop.Call(ctx, func() {
		// The caller may have left before the task ran
		if err = ctx.Err(); err != nil {
			return
		}
		if c.state != StateConnected {
			err = ErrNotConnected
			return
		}
		mid, err = issue()
		if err != nil {
			err = mapEngineErr(err)
			return
		}
		slot, err = table.Create(mid)
		if err != nil {
			return
		}
		c.updatePending()
		c.checkWritable()
	}); callErr != nil {
		return zero, callErr
	}
	if err != nil {
		c.countOperation(op, "error")
		return zero, fmt.Errorf("%s failed: %w", op, err)
	}

	v, err := wait(ctx, c.opts.OperationTimeout, slot)
	if err != nil {
		if !slot.Settled() {
			c.post(func() {
				if table.Remove(mid, slot) {
					c.updatePending()
				}
			})
		}
		result := "error"
		if errors.Is(err, ErrAbandoned) {
			result = "abandoned"
		}
		c.countOperation(op, result)
		return zero, err
	}
	c.countOperation(op, "success")
	return v, nil
}

func (c *Client) countOperation(op, result string) {
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncOperationsTotal(op, result)
	})
}

func (c *Client) updatePending() {
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetPendingOperations(opPublish, c.pubs.Len())
		m.SetPendingOperations(opSubscribe, c.subs.Len())
		m.SetPendingOperations(opUnsubscribe, c.unsubs.Len())
	})
}

// Publish sends a message and waits until the engine reports it complete
// for its QoS. It returns the message identifier.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (int, error) {
	return c.publish(ctx, func() (int, error) {
		return c.handle.Publish(topic, payload, qos, retain)
	})
}

// PublishWithProperties is Publish with MQTT 5 properties. It fails with
// engine.ErrInvalid unless the engine speaks protocol version 5.
func (c *Client) PublishWithProperties(ctx context.Context, topic string, payload []byte, qos byte, retain bool, props *engine.Properties) (int, error) {
	return c.publish(ctx, func() (int, error) {
		return c.handle.PublishWithProperties(topic, payload, qos, retain, props)
	})
}

func (c *Client) publish(ctx context.Context, issue func() (int, error)) (int, error) {
	mid, err := request(ctx, c, opPublish, c.pubs, issue)
	if err == nil {
		c.stats.IncMessagesPublished()
	}
	return mid, err
}

// Subscribe subscribes to filter and waits for the SUBACK.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte) (SubscribeResult, error) {
	res, err := request(ctx, c, opSubscribe, c.subs, func() (int, error) {
		return c.handle.Subscribe(filter, qos)
	})
	if err == nil {
		c.stats.IncSubscriptions()
		c.logger.Info("subscribed to topic",
			"topic", filter,
			"mid", res.Mid,
			"granted", res.GrantedQoS)
	}
	return res, err
}

// Unsubscribe removes a subscription and waits for the UNSUBACK. It
// returns the message identifier.
func (c *Client) Unsubscribe(ctx context.Context, filter string) (int, error) {
	return request(ctx, c, opUnsubscribe, c.unsubs, func() (int, error) {
		return c.handle.Unsubscribe(filter)
	})
}

func (c *Client) handlePublish(mid int) {
	if !c.pubs.Resolve(mid, mid) {
		c.logger.Debug("publish acknowledged without a waiter", "mid", mid)
	} else {
		c.updatePending()
	}
	if fn := c.opts.Hooks.OnPublish; fn != nil {
		c.hook("publish", func() { fn(mid) })
	}
}

func (c *Client) handleSubscribe(mid int, granted []byte, props *engine.Properties) {
	res := SubscribeResult{
		Mid:        mid,
		Count:      len(granted),
		GrantedQoS: granted,
		Properties: props,
	}
	if !c.subs.Resolve(mid, res) {
		c.logger.Debug("subscribe acknowledged without a waiter", "mid", mid)
	} else {
		c.updatePending()
	}
	if fn := c.opts.Hooks.OnSubscribe; fn != nil {
		c.hook("subscribe", func() { fn(res) })
	}
}

func (c *Client) handleUnsubscribe(mid int) {
	if !c.unsubs.Resolve(mid, mid) {
		c.logger.Debug("unsubscribe acknowledged without a waiter", "mid", mid)
	} else {
		c.updatePending()
	}
	if fn := c.opts.Hooks.OnUnsubscribe; fn != nil {
		c.hook("unsubscribe", func() { fn(mid) })
	}
}

// handleRequestFailed fails the request waiting on mid. Mids are unique
// across publish, subscribe and unsubscribe while in flight, so at most one
// table holds it.
func (c *Client) handleRequestFailed(mid int, err error) {
	if c.pubs.Fail(mid, err) || c.subs.Fail(mid, err) || c.unsubs.Fail(mid, err) {
		c.updatePending()
		return
	}
	c.logger.Debug("request failed without a waiter", "mid", mid, "error", err)
}
