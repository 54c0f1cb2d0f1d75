// Package engine defines the capability interface of an MQTT protocol
// engine and the lifecycle wrapper around one engine instance.
package engine

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

var (
	ErrNoConn      = errors.New("mqtt: no connection")
	ErrConnLost    = errors.New("mqtt: connection lost")
	ErrKeepalive   = errors.New("mqtt: keepalive timeout")
	ErrConnRefused = errors.New("mqtt: connection refused")
	ErrProtocol    = errors.New("mqtt: protocol error")
	ErrDestroyed   = errors.New("mqtt: engine destroyed")
	ErrWouldBlock  = errors.New("mqtt: operation would block")
	ErrInvalid     = errors.New("mqtt: invalid argument")
	// ErrRequestFailed reports a publish, subscribe or unsubscribe that the
	// engine accepted but could not complete.
	ErrRequestFailed = errors.New("mqtt: request failed")
)

// Protocol versions an engine may speak.
const (
	ProtocolV311 byte = 4
	ProtocolV5   byte = 5
)

// Mode tells the bridge who drives engine I/O.
type Mode int

const (
	// ModePolled engines are pumped by the caller from socket readiness.
	// Their callbacks fire inside the pumps.
	ModePolled Mode = iota
	// ModeThreaded engines run their own goroutines and fire callbacks
	// from them.
	ModeThreaded
)

func (m Mode) String() string {
	switch m {
	case ModePolled:
		return "polled"
	case ModeThreaded:
		return "threaded"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ConnackCode is the CONNACK return code.
type ConnackCode byte

const (
	ConnAccepted ConnackCode = iota
	ConnRefusedProtocolVersion
	ConnRefusedIdentifierRejected
	ConnRefusedServerUnavailable
	ConnRefusedBadUsernameOrPassword
	ConnRefusedNotAuthorized
)

// String returns the human readable reason for the code.
func (c ConnackCode) String() string {
	switch c {
	case ConnAccepted:
		return "Connection Accepted."
	case ConnRefusedProtocolVersion:
		return "Connection Refused: unacceptable protocol version."
	case ConnRefusedIdentifierRejected:
		return "Connection Refused: identifier rejected."
	case ConnRefusedServerUnavailable:
		return "Connection Refused: broker unavailable."
	case ConnRefusedBadUsernameOrPassword:
		return "Connection Refused: bad user name or password."
	case ConnRefusedNotAuthorized:
		return "Connection Refused: not authorised."
	default:
		return "Connection Refused: unknown reason."
	}
}

// LogLevel mirrors the engine's log severities.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogNotice
	LogWarning
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogNotice:
		return "NOTICE"
	case LogWarning:
		return "WARNING"
	case LogError:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// UserProperty is one MQTT 5 user property pair.
type UserProperty struct {
	Key   string
	Value string
}

// Properties is the subset of MQTT 5 properties carried on publishes and
// acknowledgements. It is nil on 3.1.1 connections.
type Properties struct {
	PayloadFormat   *byte
	MessageExpiry   *uint32
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	SubscriptionIDs []int
	ReasonString    string
	User            []UserProperty
}

// UserValue returns the first user property named key.
func (p *Properties) UserValue(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, u := range p.User {
		if u.Key == key {
			return u.Value, true
		}
	}
	return "", false
}

// Message is an inbound application message. It is not modified after the
// engine hands it out.
type Message struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Mid        int
	Properties *Properties
}

// Socket is the transport an engine exposes for readiness polling.
type Socket interface {
	syscall.Conn
	SetReadDeadline(t time.Time) error
}

// Callbacks is the table of engine event slots. Nil slots are skipped.
type Callbacks struct {
	OnConnect     func(rc ConnackCode)
	OnDisconnect  func(reason error)
	OnPublish     func(mid int)
	OnSubscribe   func(mid int, granted []byte, props *Properties)
	OnUnsubscribe func(mid int)
	OnMessage     func(msg *Message)
	OnLog         func(level LogLevel, line string)
	// OnRequestFailed reports a request that will never be acknowledged
	// while the connection stays up. err wraps ErrRequestFailed.
	OnRequestFailed func(mid int, err error)
}

// Options configure a new engine.
type Options struct {
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	// ProtocolVersion is ProtocolV311 or ProtocolV5. Zero means 3.1.1.
	ProtocolVersion byte
}

// Version returns the configured protocol version.
func (o Options) Version() byte {
	if o.ProtocolVersion == 0 {
		return ProtocolV311
	}
	return o.ProtocolVersion
}

// Engine is the capability set the bridge consumes. Implementations are
// not required to be safe for concurrent use; Handle serializes calls.
type Engine interface {
	// Connect starts a connection. The outcome of the handshake arrives
	// through OnConnect.
	Connect(host string, port int, keepalive time.Duration) error
	Disconnect() error
	Publish(topic string, payload []byte, qos byte, retain bool) (int, error)
	Subscribe(topic string, qos byte) (int, error)
	Unsubscribe(topic string) (int, error)

	// Socket returns the current transport, nil when not connected or when
	// the engine drives its own I/O.
	Socket() Socket
	WantWrite() bool
	PumpRead() error
	PumpWrite() error
	PumpMisc() error

	SetCallbacks(cb Callbacks)
	Mode() Mode
	Close() error
}

// PropertyPublisher is implemented by engines that can attach MQTT 5
// properties to an outgoing publish.
type PropertyPublisher interface {
	PublishWithProperties(topic string, payload []byte, qos byte, retain bool, props *Properties) (int, error)
}
