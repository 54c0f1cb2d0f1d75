package aio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mqtt-aio/internal/engine"
	"mqtt-aio/internal/metrics"
	"mqtt-aio/internal/pending"
	"mqtt-aio/internal/queue"
)

// Connect opens a connection and waits for the broker's CONNACK. A refusal
// returns a *RefusedError carrying the reason. If ctx ends first the
// attempt is torn down.
func (c *Client) Connect(ctx context.Context, host string, port int, keepalive time.Duration) (engine.ConnackCode, error) {
	var slot *pending.Slot[engine.ConnackCode]
	var err error
	if callErr := c.loop.Call(ctx, func() {
		if err = ctx.Err(); err != nil {
			return
		}
		slot, err = c.startConnect(host, port, keepalive)
	}); callErr != nil {
		return 0, callErr
	}
	if err != nil {
		return 0, err
	}

	rc, err := wait(ctx, c.opts.OperationTimeout, slot)
	if err != nil {
		c.post(func() { c.abortConnect(slot) })
		return 0, err
	}
	if rc != engine.ConnAccepted {
		return rc, &RefusedError{Code: rc}
	}

	c.logger.Info("mqtt client connected",
		"host", host,
		"port", port,
		"keepalive", keepalive.String())
	return rc, nil
}

func (c *Client) startConnect(host string, port int, keepalive time.Duration) (*pending.Slot[engine.ConnackCode], error) {
	if c.destroyed {
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", host, port, engine.ErrDestroyed)
	}
	if c.state != StateDisconnected {
		return nil, fmt.Errorf("%w: state %s", ErrAlreadyConnected, c.state)
	}

	if c.connectSlot != nil {
		_ = c.connectSlot.Fail(ErrConnectionLost)
		c.connectSlot = nil
	}
	if c.queue.Load().Closed() {
		c.queue.Store(queue.New[*engine.Message]())
	}

	if err := c.handle.Connect(host, port, keepalive); err != nil {
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncConnects("error")
		})
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", host, port, err)
	}

	if c.handle.Mode() == engine.ModePolled {
		sock := c.handle.Socket()
		if sock == nil {
			_ = c.handle.Disconnect()
			return nil, ErrNoSocket
		}
		c.sock = sock
		c.loop.AddReader(sock, c.onReadable)
		c.checkWritable()
	} else {
		c.startFlush()
	}

	slot := pending.NewSlot[engine.ConnackCode]()
	c.connectSlot = slot
	c.setState(StateConnecting)
	return slot, nil
}

// abortConnect drops an attempt whose caller gave up. A CONNACK accepted
// after the caller left is undone with a disconnect.
func (c *Client) abortConnect(slot *pending.Slot[engine.ConnackCode]) {
	if slot.Settled() {
		rc, err := slot.Wait(context.Background())
		if err == nil && rc == engine.ConnAccepted && c.state == StateConnected {
			c.logger.Debug("disconnecting connection accepted after caller gave up")
			_, _ = c.startDisconnect()
		}
		return
	}
	if c.connectSlot != slot {
		return
	}

	c.logger.Debug("abandoning connection attempt")
	if err := c.handle.Disconnect(); err != nil {
		c.handleDisconnect(fmt.Errorf("%w: connect cancelled", ErrConnectionLost))
		return
	}
	c.setState(StateDisconnecting)
	c.checkWritable()
}

// Disconnect closes the connection and waits for the engine to report it
// closed. It returns ErrNotConnected when there is no connection.
func (c *Client) Disconnect(ctx context.Context) error {
	var slot *pending.Slot[error]
	var err error
	if callErr := c.loop.Call(ctx, func() {
		slot, err = c.startDisconnect()
	}); callErr != nil {
		return callErr
	}
	if err != nil {
		return err
	}

	if _, err := wait(ctx, c.opts.OperationTimeout, slot); err != nil {
		return err
	}
	c.logger.Info("mqtt client disconnected")
	return nil
}

func (c *Client) startDisconnect() (*pending.Slot[error], error) {
	switch c.state {
	case StateDisconnected:
		return nil, ErrNotConnected
	case StateDisconnecting:
		if c.disconnectSlot == nil {
			c.disconnectSlot = pending.NewSlot[error]()
		}
		return c.disconnectSlot, nil
	}

	if err := c.handle.Disconnect(); err != nil {
		err = mapEngineErr(err)
		if errors.Is(err, ErrNotConnected) {
			// The engine already dropped the link; finish the teardown here.
			c.handleDisconnect(nil)
		}
		return nil, err
	}

	c.disconnectSlot = pending.NewSlot[error]()
	c.setState(StateDisconnecting)
	c.checkWritable()
	return c.disconnectSlot, nil
}

// Close ends a session. Unlike Disconnect it treats an already closed
// connection as success, so it may be called any number of times.
func (c *Client) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Session connects, runs fn and disconnects when fn returns.
func (c *Client) Session(ctx context.Context, host string, port int, keepalive time.Duration, fn func(ctx context.Context, c *Client) error) error {
	if _, err := c.Connect(ctx, host, port, keepalive); err != nil {
		return err
	}

	err := fn(ctx, c)
	// Disconnect even when ctx has ended
	closeCtx := context.WithoutCancel(ctx)
	if c.opts.OperationTimeout <= 0 {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(closeCtx, 5*time.Second)
		defer cancel()
	}
	return errors.Join(err, c.Close(closeCtx))
}

func (c *Client) handleConnect(rc engine.ConnackCode) {
	if c.destroyed {
		return
	}
	slot := c.connectSlot
	c.connectSlot = nil

	switch {
	case c.state == StateDisconnecting:
		// The caller gave up and a DISCONNECT is queued; the late CONNACK
		// must not reopen the connection for requests.
		c.logger.Debug("ignoring CONNACK while disconnecting", "code", int(rc))
	case rc == engine.ConnAccepted:
		c.setState(StateConnected)
		c.startMisc()
		c.stats.IncConnects()
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetMQTTConnectionStatus(true)
			m.IncConnects("accepted")
		})
	default:
		c.logger.Warn("mqtt connection refused", "code", int(rc), "reason", rc.String())
		c.unregister()
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncConnects("refused")
		})
	}

	if slot != nil {
		_ = slot.Resolve(rc)
	}
	if fn := c.opts.Hooks.OnConnect; fn != nil {
		c.hook("connect", func() { fn(rc) })
	}
}

// handleDisconnect tears the connection state down. It runs for requested
// disconnects, refusals and lost links alike and is idempotent.
func (c *Client) handleDisconnect(reason error) {
	prev := c.state

	c.unregister()
	c.cancelTasks()
	c.drainInbox()
	c.queue.Load().Close()

	abandoned := c.pubs.AbandonAll(abandonedError(reason)) +
		c.subs.AbandonAll(abandonedError(reason)) +
		c.unsubs.AbandonAll(abandonedError(reason))
	c.stats.AddOperationsAbandoned(abandoned)
	c.updatePending()

	if c.connectSlot != nil {
		_ = c.connectSlot.Fail(fmt.Errorf("%w: %v", ErrConnectionLost, reason))
		c.connectSlot = nil
	}
	if c.disconnectSlot != nil {
		_ = c.disconnectSlot.Resolve(reason)
		c.disconnectSlot = nil
	}
	c.setState(StateDisconnected)

	if prev == StateDisconnected {
		return
	}
	c.stats.IncDisconnects()
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMQTTConnectionStatus(false)
	})
	if reason != nil && prev == StateConnected {
		c.logger.Error("mqtt connection lost",
			"error", reason,
			"abandoned", abandoned)
	}
	if fn := c.opts.Hooks.OnDisconnect; fn != nil {
		c.hook("disconnect", func() { fn(reason) })
	}
}

// unregister drops read and write interest for the current socket.
func (c *Client) unregister() {
	if c.sock == nil {
		return
	}
	c.loop.RemoveReader(c.sock)
	c.loop.RemoveWriter(c.sock)
	c.sock = nil
}

func (c *Client) cancelTasks() {
	if c.misc != nil {
		c.misc.Cancel()
		c.misc = nil
	}
	if c.flush != nil {
		c.flush.Cancel()
		c.flush = nil
	}
}

func (c *Client) onReadable() {
	if err := c.handle.PumpRead(); err != nil {
		c.logger.Debug("read pump failed", "error", err)
	}
	c.checkWritable()
}

func (c *Client) onWritable() {
	sock := c.sock
	if err := c.handle.PumpWrite(); err != nil {
		c.logger.Debug("write pump failed", "error", err)
	}
	// The pump may have torn the connection down
	if c.sock != sock {
		return
	}
	if !c.handle.WantWrite() {
		c.loop.RemoveWriter(sock)
	}
}

// checkWritable registers write interest while the engine has output.
func (c *Client) checkWritable() {
	if c.sock == nil || c.loop.HasWriter(c.sock) {
		return
	}
	if c.handle.WantWrite() {
		c.loop.AddWriter(c.sock, c.onWritable)
	}
}

func (c *Client) startMisc() {
	if c.misc != nil {
		return
	}
	c.misc = c.loop.Every(c.opts.MiscInterval, func() time.Duration {
		if err := c.handle.PumpMisc(); err != nil {
			c.logger.Debug("misc pump stopped", "error", err)
			if c.misc != nil {
				c.misc.Cancel()
				c.misc = nil
			}
			return 0
		}
		c.checkWritable()
		return 0
	})
}
