// Package native implements a poll-driven MQTT 3.1.1 and 5 engine over a
// TCP socket. The caller drives it through the read, write and misc pumps;
// every callback fires inside a pump.
package native

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"

	"mqtt-aio/internal/engine"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultReadTimeout  = 2 * time.Millisecond
	defaultWriteTimeout = 10 * time.Millisecond
	readBufferSize      = 32 * 1024
	maxMid              = 65535
	maxRemainingLength  = 268435455
)

type flow int

const (
	flowPublish0 flow = iota
	flowPublish1
	flowPublish2Rec
	flowPublish2Comp
	flowSubscribe
	flowUnsubscribe
)

const (
	opPublish     = "publish"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
)

type writeMark struct {
	end int64
	fn  func()
}

// Engine is not safe for concurrent use.
type Engine struct {
	opts    engine.Options
	version byte
	cb      engine.Callbacks

	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	conn          *net.TCPConn
	accepted      bool
	disconnecting bool
	closed        bool

	in      bytes.Buffer
	out     bytes.Buffer
	queued  int64
	written int64
	marks   []writeMark
	readBuf []byte

	keepalive       time.Duration
	lastIn          time.Time
	lastOut         time.Time
	pingOutstanding bool
	pingSent        time.Time

	lastMid  uint16
	inflight map[uint16]flow
	incoming map[uint16]*engine.Message
}

// New creates an engine. An empty client ID is replaced with a generated
// one.
func New(opts engine.Options) *Engine {
	if opts.ClientID == "" {
		opts.ClientID = GenerateClientID()
	}
	return &Engine{
		opts:         opts,
		version:      opts.Version(),
		dialTimeout:  defaultDialTimeout,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
		readBuf:      make([]byte, readBufferSize),
		inflight:     make(map[uint16]flow),
		incoming:     make(map[uint16]*engine.Message),
	}
}

// GenerateClientID returns a random identifier short enough for any
// broker.
func GenerateClientID() string {
	return "aio-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// ClientID returns the identifier sent in CONNECT.
func (e *Engine) ClientID() string {
	return e.opts.ClientID
}

func (e *Engine) Mode() engine.Mode {
	return engine.ModePolled
}

func (e *Engine) SetCallbacks(cb engine.Callbacks) {
	e.cb = cb
}

// Connect dials the broker and queues CONNECT. CONNACK is reported through
// OnConnect once the read pump sees it.
func (e *Engine) Connect(host string, port int, keepalive time.Duration) error {
	if e.closed {
		return engine.ErrDestroyed
	}
	if e.conn != nil {
		return fmt.Errorf("%w: already connected", engine.ErrInvalid)
	}
	if keepalive < 0 || keepalive > maxMid*time.Second {
		return fmt.Errorf("%w: keepalive %s", engine.ErrInvalid, keepalive)
	}
	if e.version != engine.ProtocolV311 && e.version != engine.ProtocolV5 {
		return fmt.Errorf("%w: protocol version %d", engine.ErrInvalid, e.version)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c, err := net.DialTimeout("tcp", addr, e.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	conn, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return fmt.Errorf("%w: unexpected connection type %T", engine.ErrInvalid, c)
	}
	_ = conn.SetNoDelay(true)

	e.conn = conn
	e.accepted = false
	e.disconnecting = false
	e.keepalive = keepalive
	now := e.now()
	e.lastIn, e.lastOut = now, now
	e.pingOutstanding = false

	pk := newPacket(packets.Connect, e.version)
	pk.Connect.ProtocolName = []byte("MQTT")
	pk.Connect.Clean = e.opts.CleanSession
	pk.Connect.Keepalive = uint16(keepalive / time.Second)
	pk.Connect.ClientIdentifier = e.opts.ClientID
	if e.opts.Username != "" {
		pk.Connect.UsernameFlag = true
		pk.Connect.Username = []byte(e.opts.Username)
		if e.opts.Password != "" {
			pk.Connect.PasswordFlag = true
			pk.Connect.Password = []byte(e.opts.Password)
		}
	}

	e.log(engine.LogDebug, "Client %s sending CONNECT (v%d)", e.opts.ClientID, e.version)
	return e.queue(&pk, nil)
}

// Disconnect queues DISCONNECT. The socket closes and OnDisconnect fires
// once it has been written.
func (e *Engine) Disconnect() error {
	if e.conn == nil {
		return engine.ErrNoConn
	}
	e.disconnecting = true
	e.log(engine.LogDebug, "Client %s sending DISCONNECT", e.opts.ClientID)
	pk := newPacket(packets.Disconnect, e.version)
	return e.queue(&pk, func() {
		e.teardown(nil)
	})
}

func (e *Engine) Publish(topic string, payload []byte, qos byte, retain bool) (int, error) {
	return e.PublishWithProperties(topic, payload, qos, retain, nil)
}

// PublishWithProperties publishes with MQTT 5 properties. On a 3.1.1
// connection only nil properties are accepted.
func (e *Engine) PublishWithProperties(topic string, payload []byte, qos byte, retain bool, props *engine.Properties) (int, error) {
	if e.conn == nil {
		return 0, engine.ErrNoConn
	}
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return 0, fmt.Errorf("%w: publish topic %q", engine.ErrInvalid, topic)
	}
	if qos > 2 {
		return 0, fmt.Errorf("%w: qos %d", engine.ErrInvalid, qos)
	}
	if props != nil && e.version != engine.ProtocolV5 {
		return 0, fmt.Errorf("%w: properties need protocol version 5", engine.ErrInvalid)
	}

	mid, err := e.nextMid()
	if err != nil {
		return 0, err
	}

	pk := newPacket(packets.Publish, e.version)
	pk.FixedHeader.Qos = qos
	pk.FixedHeader.Retain = retain
	pk.TopicName = topic
	pk.Payload = payload
	pk.Properties = toWire(props)
	pk.Mods.AllowResponseInfo = true

	e.log(engine.LogDebug, "Client %s sending PUBLISH (m%d, q%d, r%t, '%s', ... (%d bytes))",
		e.opts.ClientID, mid, qos, retain, topic, len(payload))

	switch qos {
	case 0:
		// QoS 0 completes once the bytes leave
		e.inflight[mid] = flowPublish0
		return int(mid), e.queue(&pk, func() {
			delete(e.inflight, mid)
			e.firePublish(int(mid))
		})
	case 1:
		pk.PacketID = mid
		e.inflight[mid] = flowPublish1
	default:
		pk.PacketID = mid
		e.inflight[mid] = flowPublish2Rec
	}
	return int(mid), e.queue(&pk, nil)
}

func (e *Engine) Subscribe(topic string, qos byte) (int, error) {
	if e.conn == nil {
		return 0, engine.ErrNoConn
	}
	if topic == "" || qos > 2 {
		return 0, fmt.Errorf("%w: subscribe %q qos %d", engine.ErrInvalid, topic, qos)
	}

	mid, err := e.nextMid()
	if err != nil {
		return 0, err
	}

	pk := newPacket(packets.Subscribe, e.version)
	pk.PacketID = mid
	pk.Filters = packets.Subscriptions{{Filter: topic, Qos: qos}}

	e.inflight[mid] = flowSubscribe
	e.log(engine.LogDebug, "Client %s sending SUBSCRIBE (Mid: %d, Topic: %s, QoS: %d)", e.opts.ClientID, mid, topic, qos)
	if err := e.queue(&pk, nil); err != nil {
		delete(e.inflight, mid)
		return 0, err
	}
	return int(mid), nil
}

func (e *Engine) Unsubscribe(topic string) (int, error) {
	if e.conn == nil {
		return 0, engine.ErrNoConn
	}
	if topic == "" {
		return 0, fmt.Errorf("%w: empty unsubscribe topic", engine.ErrInvalid)
	}

	mid, err := e.nextMid()
	if err != nil {
		return 0, err
	}

	pk := newPacket(packets.Unsubscribe, e.version)
	pk.PacketID = mid
	pk.Filters = packets.Subscriptions{{Filter: topic}}

	e.inflight[mid] = flowUnsubscribe
	e.log(engine.LogDebug, "Client %s sending UNSUBSCRIBE (Mid: %d, Topic: %s)", e.opts.ClientID, mid, topic)
	if err := e.queue(&pk, nil); err != nil {
		delete(e.inflight, mid)
		return 0, err
	}
	return int(mid), nil
}

// Socket returns nil when not connected.
func (e *Engine) Socket() engine.Socket {
	if e.conn == nil {
		return nil
	}
	return e.conn
}

func (e *Engine) WantWrite() bool {
	return e.conn != nil && e.out.Len() > 0
}

// Close drops the connection without firing OnDisconnect. The engine can
// not be used afterwards.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	if e.conn != nil {
		err = e.conn.Close()
	}
	e.reset()
	return err
}

// nextMid allocates a message identifier, skipping any still in flight.
func (e *Engine) nextMid() (uint16, error) {
	for i := 0; i < maxMid; i++ {
		e.lastMid++
		if e.lastMid == 0 {
			e.lastMid = 1
		}
		if _, busy := e.inflight[e.lastMid]; !busy {
			return e.lastMid, nil
		}
	}
	return 0, fmt.Errorf("%w: no free message id", engine.ErrInvalid)
}

// queue encodes pk into the output buffer. fn runs once the last byte of
// the packet has been written.
func (e *Engine) queue(pk *packets.Packet, fn func()) error {
	before := e.out.Len()
	if err := encode(pk, &e.out); err != nil {
		e.out.Truncate(before)
		return fmt.Errorf("%w: encode packet type %d: %v", engine.ErrProtocol, pk.FixedHeader.Type, err)
	}
	e.queued += int64(e.out.Len() - before)
	if fn != nil {
		e.marks = append(e.marks, writeMark{end: e.queued, fn: fn})
	}
	return nil
}

// teardown closes the connection and reports reason through OnDisconnect.
// A nil reason means the disconnect was requested.
func (e *Engine) teardown(reason error) {
	if e.conn == nil {
		return
	}
	_ = e.conn.Close()
	e.reset()

	if reason != nil {
		e.log(engine.LogNotice, "Client %s disconnected: %v", e.opts.ClientID, reason)
	}
	if e.cb.OnDisconnect != nil {
		e.cb.OnDisconnect(reason)
	}
}

func (e *Engine) reset() {
	e.conn = nil
	e.accepted = false
	e.disconnecting = false
	e.in.Reset()
	e.out.Reset()
	e.queued, e.written = 0, 0
	e.marks = nil
	e.pingOutstanding = false
	clear(e.inflight)
	clear(e.incoming)
}

func (e *Engine) log(level engine.LogLevel, format string, args ...interface{}) {
	if e.cb.OnLog != nil {
		e.cb.OnLog(level, fmt.Sprintf(format, args...))
	}
}

func (e *Engine) firePublish(mid int) {
	if e.cb.OnPublish != nil {
		e.cb.OnPublish(mid)
	}
}

// failRequest reports an MQTT 5 acknowledgement carrying a failure reason.
func (e *Engine) failRequest(mid int, op string, reason byte, reasonString string) {
	e.log(engine.LogWarning, "Client %s %s (Mid: %d) failed with reason 0x%02x", e.opts.ClientID, op, mid, reason)
	if e.cb.OnRequestFailed == nil {
		return
	}
	err := fmt.Errorf("%w: %s reason 0x%02x", engine.ErrRequestFailed, op, reason)
	if reasonString != "" {
		err = fmt.Errorf("%w (%s)", err, reasonString)
	}
	e.cb.OnRequestFailed(mid, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
