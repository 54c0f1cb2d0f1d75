package native

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-aio/internal/engine"
)

// scriptedBroker accepts one connection and answers each packet through
// respond. Received packets are sent on seen.
type scriptedBroker struct {
	ln      net.Listener
	seen    chan packets.ControlPacket
	respond func(conn net.Conn, cp packets.ControlPacket)
}

func newScriptedBroker(t *testing.T, respond func(conn net.Conn, cp packets.ControlPacket)) *scriptedBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &scriptedBroker{ln: ln, seen: make(chan packets.ControlPacket, 32), respond: respond}
	go b.serve()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *scriptedBroker) serve() {
	conn, err := b.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		b.seen <- cp
		if b.respond != nil {
			b.respond(conn, cp)
		}
	}
}

func (b *scriptedBroker) port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

func connack(conn net.Conn, rc byte) {
	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = rc
	_ = ack.Write(conn)
}

// acceptAll acknowledges every request the way a broker would.
func acceptAll(conn net.Conn, cp packets.ControlPacket) {
	switch pkt := cp.(type) {
	case *packets.ConnectPacket:
		connack(conn, packets.Accepted)
	case *packets.SubscribePacket:
		ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
		ack.MessageID = pkt.MessageID
		ack.ReturnCodes = pkt.Qoss
		_ = ack.Write(conn)
	case *packets.UnsubscribePacket:
		ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
		ack.MessageID = pkt.MessageID
		_ = ack.Write(conn)
	case *packets.PublishPacket:
		switch pkt.Qos {
		case 1:
			ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
			ack.MessageID = pkt.MessageID
			_ = ack.Write(conn)
		case 2:
			rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
			rec.MessageID = pkt.MessageID
			_ = rec.Write(conn)
		}
	case *packets.PubrelPacket:
		comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
		comp.MessageID = pkt.MessageID
		_ = comp.Write(conn)
	case *packets.PingreqPacket:
		_ = packets.NewControlPacket(packets.Pingresp).Write(conn)
	}
}

type events struct {
	connect     []engine.ConnackCode
	disconnect  []error
	publish     []int
	subscribe   map[int][]byte
	subProps    map[int]*engine.Properties
	unsubscribe []int
	messages    []*engine.Message
	failed      map[int]error
}

func newEngine(t *testing.T) (*Engine, *events) {
	t.Helper()
	return newEngineWith(t, engine.Options{CleanSession: true})
}

func newEngineWith(t *testing.T, opts engine.Options) (*Engine, *events) {
	t.Helper()
	e := New(opts)
	ev := &events{
		subscribe: make(map[int][]byte),
		subProps:  make(map[int]*engine.Properties),
		failed:    make(map[int]error),
	}
	e.SetCallbacks(engine.Callbacks{
		OnConnect:    func(rc engine.ConnackCode) { ev.connect = append(ev.connect, rc) },
		OnDisconnect: func(err error) { ev.disconnect = append(ev.disconnect, err) },
		OnPublish:    func(mid int) { ev.publish = append(ev.publish, mid) },
		OnSubscribe: func(mid int, granted []byte, props *engine.Properties) {
			ev.subscribe[mid] = granted
			ev.subProps[mid] = props
		},
		OnUnsubscribe:   func(mid int) { ev.unsubscribe = append(ev.unsubscribe, mid) },
		OnMessage:       func(msg *engine.Message) { ev.messages = append(ev.messages, msg) },
		OnRequestFailed: func(mid int, err error) { ev.failed[mid] = err },
	})
	t.Cleanup(func() { e.Close() })
	return e, ev
}

// pump drives the engine until done reports true.
func pump(t *testing.T, e *Engine, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached while pumping")
		}
		if e.Socket() == nil {
			return
		}
		if e.WantWrite() {
			err := e.PumpWrite()
			if err != nil && !errors.Is(err, engine.ErrWouldBlock) {
				return
			}
		}
		err := e.PumpRead()
		if err != nil && !errors.Is(err, engine.ErrWouldBlock) {
			return
		}
	}
}

func TestFrameLength(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		want    int
		wantErr bool
	}{
		{"empty", nil, 0, false},
		{"header only", []byte{0x20}, 0, false},
		{"complete connack", []byte{0x20, 0x02, 0x00, 0x00}, 4, false},
		{"partial body", []byte{0x20, 0x02, 0x00}, 0, false},
		{"zero length", []byte{0xd0, 0x00}, 2, false},
		{"two byte length incomplete", []byte{0x30, 0x80}, 0, false},
		{"two byte length", append([]byte{0x30, 0x80, 0x01}, make([]byte, 128)...), 131, false},
		{"malformed", []byte{0x30, 0xff, 0xff, 0xff, 0xff, 0x01}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := frameLength(tt.buf)
			if tt.wantErr {
				assert.ErrorIs(t, err, engine.ErrProtocol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextMidSkipsInflight(t *testing.T) {
	e := New(engine.Options{})
	e.lastMid = 65534
	e.inflight[1] = flowSubscribe

	mid, err := e.nextMid()
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), mid)

	mid, err = e.nextMid()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), mid, "wraps past zero and skips mids in flight")
}

func TestGenerateClientID(t *testing.T) {
	id := GenerateClientID()
	assert.Len(t, id, 20)
	assert.NotEqual(t, id, GenerateClientID())
	assert.NotEmpty(t, New(engine.Options{}).ClientID())
	assert.Equal(t, "fixed", New(engine.Options{ClientID: "fixed"}).ClientID())
}

func TestNotConnected(t *testing.T) {
	e, _ := newEngine(t)

	assert.Nil(t, e.Socket())
	assert.False(t, e.WantWrite())
	assert.ErrorIs(t, e.Disconnect(), engine.ErrNoConn)
	_, err := e.Publish("t", nil, 0, false)
	assert.ErrorIs(t, err, engine.ErrNoConn)
	_, err = e.Subscribe("t", 0)
	assert.ErrorIs(t, err, engine.ErrNoConn)
	assert.ErrorIs(t, e.PumpRead(), engine.ErrNoConn)
	assert.ErrorIs(t, e.PumpMisc(), engine.ErrNoConn)
}

func TestConnectAccepted(t *testing.T) {
	b := newScriptedBroker(t, acceptAll)
	e, ev := newEngine(t)

	require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
	require.NotNil(t, e.Socket())
	assert.True(t, e.WantWrite(), "CONNECT is queued")

	pump(t, e, func() bool { return len(ev.connect) > 0 })
	assert.Equal(t, []engine.ConnackCode{engine.ConnAccepted}, ev.connect)

	first := <-b.seen
	cp, ok := first.(*packets.ConnectPacket)
	require.True(t, ok)
	assert.Equal(t, e.ClientID(), cp.ClientIdentifier)
	assert.Equal(t, uint16(30), cp.Keepalive)
	assert.True(t, cp.CleanSession)

	err := e.Connect("127.0.0.1", b.port(), time.Second)
	assert.ErrorIs(t, err, engine.ErrInvalid)
}

func TestConnectRefused(t *testing.T) {
	b := newScriptedBroker(t, func(conn net.Conn, cp packets.ControlPacket) {
		if _, ok := cp.(*packets.ConnectPacket); ok {
			connack(conn, packets.ErrRefusedNotAuthorised)
		}
	})
	e, ev := newEngine(t)

	require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
	pump(t, e, func() bool { return len(ev.disconnect) > 0 })

	assert.Equal(t, []engine.ConnackCode{engine.ConnRefusedNotAuthorized}, ev.connect)
	require.Len(t, ev.disconnect, 1)
	assert.ErrorIs(t, ev.disconnect[0], engine.ErrConnRefused)
	assert.Contains(t, ev.disconnect[0].Error(), "not authorised")
	assert.Nil(t, e.Socket())
}

func TestConnectDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	e, _ := newEngine(t)
	assert.Error(t, e.Connect("127.0.0.1", port, time.Second))
	assert.Nil(t, e.Socket())
}

func TestRequestFlows(t *testing.T) {
	b := newScriptedBroker(t, acceptAll)
	e, ev := newEngine(t)

	require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
	pump(t, e, func() bool { return len(ev.connect) > 0 })

	subMid, err := e.Subscribe("a/#", 2)
	require.NoError(t, err)
	pump(t, e, func() bool { return ev.subscribe[subMid] != nil })
	assert.Equal(t, []byte{2}, ev.subscribe[subMid])
	assert.Nil(t, ev.subProps[subMid], "3.1.1 carries no properties")

	qos0, err := e.Publish("a/b", []byte("zero"), 0, false)
	require.NoError(t, err)
	qos1, err := e.Publish("a/b", []byte("one"), 1, false)
	require.NoError(t, err)
	qos2, err := e.Publish("a/b", []byte("two"), 2, true)
	require.NoError(t, err)
	pump(t, e, func() bool { return len(ev.publish) == 3 })
	assert.ElementsMatch(t, []int{qos0, qos1, qos2}, ev.publish)

	unsubMid, err := e.Unsubscribe("a/#")
	require.NoError(t, err)
	pump(t, e, func() bool { return len(ev.unsubscribe) == 1 })
	assert.Equal(t, []int{unsubMid}, ev.unsubscribe)
	assert.Empty(t, e.inflight)

	_, err = e.Publish("a/+", nil, 0, false)
	assert.ErrorIs(t, err, engine.ErrInvalid)
	_, err = e.Publish("a", nil, 3, false)
	assert.ErrorIs(t, err, engine.ErrInvalid)
	_, err = e.PublishWithProperties("a", nil, 0, false, &engine.Properties{ContentType: "text/plain"})
	assert.ErrorIs(t, err, engine.ErrInvalid, "properties need protocol version 5")
}

func TestInboundQoS2DeliveredOnce(t *testing.T) {
	var brokerConn net.Conn
	ready := make(chan struct{})
	b := newScriptedBroker(t, func(conn net.Conn, cp packets.ControlPacket) {
		if _, ok := cp.(*packets.ConnectPacket); ok {
			connack(conn, packets.Accepted)
			brokerConn = conn
			close(ready)
		}
	})
	e, ev := newEngine(t)

	require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
	pump(t, e, func() bool { return len(ev.connect) > 0 })
	<-ready

	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.Qos = 2
	pub.MessageID = 77
	pub.TopicName = "in/two"
	pub.Payload = []byte("exactly once")
	require.NoError(t, pub.Write(brokerConn))
	pub.Dup = true
	require.NoError(t, pub.Write(brokerConn))

	pump(t, e, func() bool { return e.incoming[77] != nil && !e.WantWrite() })
	assert.Empty(t, ev.messages, "not delivered before PUBREL")

	rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	rel.MessageID = 77
	require.NoError(t, rel.Write(brokerConn))

	pump(t, e, func() bool { return len(ev.messages) == 1 })
	assert.Equal(t, "in/two", ev.messages[0].Topic)
	assert.Equal(t, []byte("exactly once"), ev.messages[0].Payload)
	assert.Equal(t, byte(2), ev.messages[0].QoS)
}

func TestDisconnectClosesAfterWrite(t *testing.T) {
	b := newScriptedBroker(t, acceptAll)
	e, ev := newEngine(t)

	require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
	pump(t, e, func() bool { return len(ev.connect) > 0 })

	require.NoError(t, e.Disconnect())
	assert.NotNil(t, e.Socket(), "socket stays open until DISCONNECT is written")
	require.NoError(t, e.PumpWrite())

	require.Len(t, ev.disconnect, 1)
	assert.NoError(t, ev.disconnect[0])
	assert.Nil(t, e.Socket())
}

func TestKeepalive(t *testing.T) {
	b := newScriptedBroker(t, func(conn net.Conn, cp packets.ControlPacket) {
		// Never answer PINGREQ
		if _, ok := cp.(*packets.ConnectPacket); ok {
			connack(conn, packets.Accepted)
		}
	})
	e, ev := newEngine(t)

	clock := time.Now()
	e.now = func() time.Time { return clock }

	require.NoError(t, e.Connect("127.0.0.1", b.port(), 10*time.Second))
	pump(t, e, func() bool { return len(ev.connect) > 0 })

	require.NoError(t, e.PumpMisc())
	assert.False(t, e.WantWrite(), "no ping before the interval")

	clock = clock.Add(11 * time.Second)
	require.NoError(t, e.PumpMisc())
	assert.True(t, e.pingOutstanding)
	assert.True(t, e.WantWrite())
	require.NoError(t, e.PumpWrite())

	clock = clock.Add(11 * time.Second)
	assert.ErrorIs(t, e.PumpMisc(), engine.ErrKeepalive)
	require.Len(t, ev.disconnect, 1)
	assert.ErrorIs(t, ev.disconnect[0], engine.ErrKeepalive)
}

func TestCloseSuppressesCallbacks(t *testing.T) {
	b := newScriptedBroker(t, acceptAll)
	e, ev := newEngine(t)

	require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.Empty(t, ev.disconnect)
	assert.Nil(t, e.Socket())
	assert.ErrorIs(t, e.Connect("127.0.0.1", b.port(), time.Second), engine.ErrDestroyed)
}
