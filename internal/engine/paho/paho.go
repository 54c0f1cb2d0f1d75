// Package paho implements the engine interface on top of the paho MQTT
// client. Paho runs its own goroutines, so callbacks fire off the caller's
// goroutine and the engine reports engine.ModeThreaded.
package paho

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"mqtt-aio/internal/engine"
	"mqtt-aio/internal/engine/native"
)

const (
	maxMid          = 65535
	disconnectQuiet = 250 // milliseconds
	connectTimeout  = 10 * time.Second
)

// ClientFactory creates the paho client. Tests replace it with a mock.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Options configure the engine.
type Options struct {
	engine.Options
	TLS     *tls.Config
	Factory ClientFactory
}

// Engine wraps one paho client per connection.
type Engine struct {
	mu       sync.Mutex
	opts     Options
	cb       engine.Callbacks
	client   mqtt.Client
	conn     *connection
	lastMid  int
	inflight map[int]struct{}
	closed   bool
}

// connection scopes token waiters to one client so a dropped link releases
// them.
type connection struct {
	client mqtt.Client
	done   chan struct{}
	once   sync.Once
}

func (c *connection) finish() bool {
	finished := false
	c.once.Do(func() {
		close(c.done)
		finished = true
	})
	return finished
}

// New creates an engine. An empty client ID is replaced with a generated
// one.
func New(opts Options) *Engine {
	if opts.ClientID == "" {
		opts.ClientID = native.GenerateClientID()
	}
	if opts.Factory == nil {
		opts.Factory = mqtt.NewClient
	}
	return &Engine{
		opts:     opts,
		inflight: make(map[int]struct{}),
	}
}

// NewTLSConfig loads a client certificate and CA for the ssl transport
func NewTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (e *Engine) Mode() engine.Mode {
	return engine.ModeThreaded
}

func (e *Engine) SetCallbacks(cb engine.Callbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
}

func (e *Engine) callbacks() engine.Callbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb
}

// Connect starts the paho client. The handshake result arrives through
// OnConnect, or OnDisconnect when the broker can not be reached.
func (e *Engine) Connect(host string, port int, keepalive time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return engine.ErrDestroyed
	}
	if e.conn != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: already connected", engine.ErrInvalid)
	}
	if v := e.opts.Version(); v != engine.ProtocolV311 {
		e.mu.Unlock()
		return fmt.Errorf("%w: paho engine speaks 3.1.1, not protocol version %d", engine.ErrInvalid, v)
	}

	scheme := "tcp"
	if e.opts.TLS != nil {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))

	conn := &connection{done: make(chan struct{})}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(e.opts.ClientID).
		SetUsername(e.opts.Username).
		SetPassword(e.opts.Password).
		SetCleanSession(e.opts.CleanSession).
		SetProtocolVersion(uint(engine.ProtocolV311)).
		SetKeepAlive(keepalive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true)

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		e.handleMessage(conn, msg)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		e.handleLost(conn, err)
	})
	if e.opts.TLS != nil {
		opts.SetTLSConfig(e.opts.TLS)
	}

	conn.client = e.opts.Factory(opts)
	e.conn = conn
	e.mu.Unlock()

	e.log(engine.LogDebug, "Client %s connecting to %s", e.opts.ClientID, broker)

	token := conn.client.Connect()
	go e.awaitConnect(conn, token)
	return nil
}

func (e *Engine) awaitConnect(conn *connection, token mqtt.Token) {
	select {
	case <-token.Done():
	case <-conn.done:
		return
	}

	rc := engine.ConnAccepted
	if ct, ok := token.(interface{ ReturnCode() byte }); ok {
		rc = engine.ConnackCode(ct.ReturnCode())
	}
	err := token.Error()

	switch {
	case err == nil && rc == engine.ConnAccepted:
		e.log(engine.LogDebug, "Client %s received CONNACK (0)", e.opts.ClientID)
		if cb := e.callbacks(); cb.OnConnect != nil {
			cb.OnConnect(rc)
		}
	case rc > engine.ConnAccepted && rc <= engine.ConnRefusedNotAuthorized:
		if cb := e.callbacks(); cb.OnConnect != nil {
			cb.OnConnect(rc)
		}
		e.drop(conn, fmt.Errorf("%w: %s", engine.ErrConnRefused, rc))
	default:
		if err == nil {
			err = packets.ConnErrors[byte(rc)]
		}
		e.drop(conn, fmt.Errorf("%w: %v", engine.ErrConnLost, err))
	}
}

// drop releases conn and reports reason, once per connection.
func (e *Engine) drop(conn *connection, reason error) {
	if !conn.finish() {
		return
	}

	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
		clear(e.inflight)
	}
	e.mu.Unlock()

	if reason != nil {
		e.log(engine.LogNotice, "Client %s disconnected: %v", e.opts.ClientID, reason)
	}
	if cb := e.callbacks(); cb.OnDisconnect != nil {
		cb.OnDisconnect(reason)
	}
}

func (e *Engine) handleLost(conn *connection, err error) {
	e.drop(conn, fmt.Errorf("%w: %v", engine.ErrConnLost, err))
}

func (e *Engine) handleMessage(conn *connection, msg mqtt.Message) {
	select {
	case <-conn.done:
		return
	default:
	}

	e.log(engine.LogDebug, "Client %s received PUBLISH (d%t, q%d, r%t, m%d, '%s', ... (%d bytes))",
		e.opts.ClientID, msg.Duplicate(), msg.Qos(), msg.Retained(), msg.MessageID(), msg.Topic(), len(msg.Payload()))

	if cb := e.callbacks(); cb.OnMessage != nil {
		cb.OnMessage(&engine.Message{
			Topic:   msg.Topic(),
			Payload: append([]byte(nil), msg.Payload()...),
			QoS:     msg.Qos(),
			Retain:  msg.Retained(),
			Mid:     int(msg.MessageID()),
		})
	}
}

// Disconnect closes the client in the background and reports OnDisconnect
// with a nil reason once it is done.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return engine.ErrNoConn
	}

	e.log(engine.LogDebug, "Client %s sending DISCONNECT", e.opts.ClientID)
	go func() {
		conn.client.Disconnect(disconnectQuiet)
		e.drop(conn, nil)
	}()
	return nil
}

// begin allocates a mid for a request on the live connection.
func (e *Engine) begin() (*connection, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil, 0, engine.ErrNoConn
	}
	for i := 0; i < maxMid; i++ {
		e.lastMid = e.lastMid%maxMid + 1
		if _, busy := e.inflight[e.lastMid]; !busy {
			e.inflight[e.lastMid] = struct{}{}
			return e.conn, e.lastMid, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: no free message id", engine.ErrInvalid)
}

// await fires done when token completes on conn. A failed token is
// reported through OnRequestFailed so the caller is not left waiting on a
// link that stays up.
func (e *Engine) await(conn *connection, mid int, token mqtt.Token, op string, done func(cb engine.Callbacks)) {
	go func() {
		select {
		case <-token.Done():
		case <-conn.done:
			return
		}

		e.mu.Lock()
		delete(e.inflight, mid)
		e.mu.Unlock()

		cb := e.callbacks()
		if err := token.Error(); err != nil {
			e.log(engine.LogWarning, "Client %s %s (Mid: %d) failed: %v", e.opts.ClientID, op, mid, err)
			if cb.OnRequestFailed != nil {
				cb.OnRequestFailed(mid, fmt.Errorf("%w: %s: %v", engine.ErrRequestFailed, op, err))
			}
			return
		}
		done(cb)
	}()
}

func (e *Engine) Publish(topic string, payload []byte, qos byte, retain bool) (int, error) {
	if qos > 2 {
		return 0, fmt.Errorf("%w: qos %d", engine.ErrInvalid, qos)
	}
	conn, mid, err := e.begin()
	if err != nil {
		return 0, err
	}

	e.log(engine.LogDebug, "Client %s sending PUBLISH (m%d, q%d, r%t, '%s', ... (%d bytes))",
		e.opts.ClientID, mid, qos, retain, topic, len(payload))
	token := conn.client.Publish(topic, qos, retain, payload)
	e.await(conn, mid, token, "publish", func(cb engine.Callbacks) {
		if cb.OnPublish != nil {
			cb.OnPublish(mid)
		}
	})
	return mid, nil
}

func (e *Engine) Subscribe(topic string, qos byte) (int, error) {
	if topic == "" || qos > 2 {
		return 0, fmt.Errorf("%w: subscribe %q qos %d", engine.ErrInvalid, topic, qos)
	}
	conn, mid, err := e.begin()
	if err != nil {
		return 0, err
	}

	e.log(engine.LogDebug, "Client %s sending SUBSCRIBE (Mid: %d, Topic: %s, QoS: %d)", e.opts.ClientID, mid, topic, qos)
	token := conn.client.Subscribe(topic, qos, nil)
	e.await(conn, mid, token, "subscribe", func(cb engine.Callbacks) {
		granted := []byte{qos}
		if st, ok := token.(interface{ Result() map[string]byte }); ok {
			if g, ok := st.Result()[topic]; ok {
				granted = []byte{g}
			}
		}
		if cb.OnSubscribe != nil {
			cb.OnSubscribe(mid, granted, nil)
		}
	})
	return mid, nil
}

func (e *Engine) Unsubscribe(topic string) (int, error) {
	if topic == "" {
		return 0, fmt.Errorf("%w: empty unsubscribe topic", engine.ErrInvalid)
	}
	conn, mid, err := e.begin()
	if err != nil {
		return 0, err
	}

	e.log(engine.LogDebug, "Client %s sending UNSUBSCRIBE (Mid: %d, Topic: %s)", e.opts.ClientID, mid, topic)
	token := conn.client.Unsubscribe(topic)
	e.await(conn, mid, token, "unsubscribe", func(cb engine.Callbacks) {
		if cb.OnUnsubscribe != nil {
			cb.OnUnsubscribe(mid)
		}
	})
	return mid, nil
}

// Socket is always nil; paho owns its connection.
func (e *Engine) Socket() engine.Socket {
	return nil
}

func (e *Engine) WantWrite() bool {
	return false
}

// The pumps are no-ops since paho drives its own I/O. PumpMisc reports a
// missing connection so the caller's housekeeping stops.
func (e *Engine) PumpRead() error  { return nil }
func (e *Engine) PumpWrite() error { return nil }

func (e *Engine) PumpMisc() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return engine.ErrNoConn
	}
	return nil
}

// Close disconnects without reporting OnDisconnect.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn := e.conn
	e.conn = nil
	clear(e.inflight)
	e.mu.Unlock()

	if conn != nil && conn.finish() {
		conn.client.Disconnect(0)
	}
	return nil
}

func (e *Engine) log(level engine.LogLevel, format string, args ...interface{}) {
	if cb := e.callbacks(); cb.OnLog != nil {
		cb.OnLog(level, fmt.Sprintf(format, args...))
	}
}
