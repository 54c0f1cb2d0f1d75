// Package relay forwards received MQTT messages to NATS subjects.
package relay

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"mqtt-aio/config"
	"mqtt-aio/internal/engine"
	"mqtt-aio/internal/logger"
	"mqtt-aio/internal/metrics"
	"mqtt-aio/internal/router"
)

// Publisher is the part of a NATS connection the relay uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// Relay forwards messages to a Publisher.
type Relay struct {
	pub     Publisher
	prefix  string
	logger  *logger.Logger
	metrics *metrics.Metrics

	forwarded atomic.Uint64
	failed    atomic.Uint64
}

// New creates a relay publishing under prefix.
func New(pub Publisher, prefix string, log *logger.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = logger.NewNop()
	}
	return &Relay{
		pub:     pub,
		prefix:  prefix,
		logger:  log,
		metrics: m,
	}
}

// Connect dials the NATS server named in cfg.
func Connect(cfg *config.RelayConfig, log *logger.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no NATS server URL provided")
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Error("disconnected from NATS server", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Warn("NATS connection closed")
		}),
	}

	log.Info("connecting to NATS server", "url", cfg.URL)
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	log.Info("connected to NATS server", "url", conn.ConnectedUrl())
	return conn, nil
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (r *Relay) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if r.metrics != nil {
		fn(r.metrics)
	}
}

// Forward publishes one message.
func (r *Relay) Forward(msg *engine.Message) error {
	if !r.pub.IsConnected() {
		r.fail()
		return fmt.Errorf("not connected to NATS server")
	}

	subject := ToSubject(r.prefix, msg.Topic)
	if err := r.pub.Publish(subject, msg.Payload); err != nil {
		r.fail()
		r.logger.Error("failed to relay message",
			"error", err,
			"topic", msg.Topic,
			"subject", subject)
		return err
	}

	r.forwarded.Add(1)
	r.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncRelayTotal("success")
	})
	r.logger.Debug("relayed message",
		"topic", msg.Topic,
		"subject", subject,
		"payloadSize", len(msg.Payload))
	return nil
}

func (r *Relay) fail() {
	r.failed.Add(1)
	r.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncRelayTotal("error")
	})
}

// Handler adapts Forward to a topic handler.
func (r *Relay) Handler() router.Handler {
	return func(_ context.Context, msg *engine.Message) error {
		return r.Forward(msg)
	}
}

// Run forwards msgs until the sequence ends or ctx is done. Failed messages
// are logged and skipped. It returns the number forwarded.
func (r *Relay) Run(ctx context.Context, msgs iter.Seq[*engine.Message]) int {
	var n int
	for msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		if err := r.Forward(msg); err == nil {
			n++
		}
	}
	return n
}

// Stats returns the relay counters.
func (r *Relay) Stats() map[string]interface{} {
	return map[string]interface{}{
		"forwarded": r.forwarded.Load(),
		"failed":    r.failed.Load(),
	}
}
