package native

import (
	"bytes"
	"fmt"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"

	"mqtt-aio/internal/engine"
)

// PumpRead reads what the socket has and handles every complete packet.
// It returns engine.ErrWouldBlock when nothing was available.
func (e *Engine) PumpRead() error {
	if e.conn == nil {
		return engine.ErrNoConn
	}

	total := 0
	for e.conn != nil {
		_ = e.conn.SetReadDeadline(time.Now().Add(e.readTimeout))
		n, err := e.conn.Read(e.readBuf)
		if n > 0 {
			total += n
			e.lastIn = e.now()
			e.in.Write(e.readBuf[:n])
			if perr := e.handleInput(); perr != nil {
				e.teardown(perr)
				return perr
			}
		}
		if err != nil {
			if isTimeout(err) {
				break
			}
			lost := fmt.Errorf("%w: %v", engine.ErrConnLost, err)
			e.teardown(lost)
			return lost
		}
		// A short read drained the socket
		if n < len(e.readBuf) {
			break
		}
	}

	if total == 0 && e.conn != nil {
		return engine.ErrWouldBlock
	}
	return nil
}

// PumpWrite flushes as much buffered output as the socket takes.
func (e *Engine) PumpWrite() error {
	if e.conn == nil {
		return engine.ErrNoConn
	}
	if e.out.Len() == 0 {
		return nil
	}

	_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	n, err := e.conn.Write(e.out.Bytes())
	if n > 0 {
		e.out.Next(n)
		e.written += int64(n)
		e.lastOut = e.now()
		e.fireMarks()
	}
	if err != nil {
		if isTimeout(err) {
			if n == 0 {
				return engine.ErrWouldBlock
			}
			return nil
		}
		lost := fmt.Errorf("%w: %v", engine.ErrConnLost, err)
		e.teardown(lost)
		return lost
	}
	return nil
}

// PumpMisc handles keep-alive. It queues PINGREQ when the link has been
// idle for the keep-alive interval and drops the connection when a ping
// goes unanswered for as long.
func (e *Engine) PumpMisc() error {
	if e.conn == nil {
		return engine.ErrNoConn
	}
	if e.keepalive <= 0 || e.disconnecting {
		return nil
	}

	now := e.now()
	if e.pingOutstanding {
		if now.Sub(e.pingSent) >= e.keepalive {
			e.teardown(engine.ErrKeepalive)
			return engine.ErrKeepalive
		}
		return nil
	}

	if now.Sub(e.lastOut) >= e.keepalive || now.Sub(e.lastIn) >= e.keepalive {
		e.log(engine.LogDebug, "Client %s sending PINGREQ", e.opts.ClientID)
		ping := newPacket(packets.Pingreq, e.version)
		if err := e.queue(&ping, nil); err != nil {
			return err
		}
		e.pingOutstanding = true
		e.pingSent = now
	}
	return nil
}

func (e *Engine) fireMarks() {
	for len(e.marks) > 0 && e.marks[0].end <= e.written {
		m := e.marks[0]
		e.marks = e.marks[1:]
		m.fn()
	}
}

// frameLength returns the size of the packet at the head of buf, or 0 when
// the packet is not complete yet.
func frameLength(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, nil
	}

	length, multiplier := 0, 1
	for i := 1; i < 5; i++ {
		if i >= len(buf) {
			return 0, nil
		}
		b := buf[i]
		length += int(b&127) * multiplier
		if b&128 == 0 {
			if length > maxRemainingLength {
				return 0, fmt.Errorf("%w: remaining length %d", engine.ErrProtocol, length)
			}
			total := 1 + i + length
			if len(buf) < total {
				return 0, nil
			}
			return total, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("%w: malformed remaining length", engine.ErrProtocol)
}

func (e *Engine) handleInput() error {
	for e.conn != nil {
		size, err := frameLength(e.in.Bytes())
		if err != nil {
			return err
		}
		if size == 0 {
			return nil
		}

		pk, err := decode(e.in.Next(size), e.version)
		if err != nil {
			return err
		}
		if err := e.handlePacket(&pk); err != nil {
			return err
		}
	}
	return nil
}

// ack queues a PUBACK, PUBREC, PUBREL or PUBCOMP for mid.
func (e *Engine) ack(t byte, mid uint16) error {
	pk := newPacket(t, e.version)
	pk.PacketID = mid
	return e.queue(&pk, nil)
}

func (e *Engine) handlePacket(pk *packets.Packet) error {
	switch pk.FixedHeader.Type {
	case packets.Connack:
		if e.accepted {
			return fmt.Errorf("%w: unexpected CONNACK", engine.ErrProtocol)
		}
		rc := connackCode(e.version, pk.ReasonCode)
		e.log(engine.LogDebug, "Client %s received CONNACK (%d)", e.opts.ClientID, pk.ReasonCode)
		if rc != engine.ConnAccepted {
			if e.cb.OnConnect != nil {
				e.cb.OnConnect(rc)
			}
			e.teardown(fmt.Errorf("%w: %s", engine.ErrConnRefused, rc))
			return nil
		}
		e.accepted = true
		if e.cb.OnConnect != nil {
			e.cb.OnConnect(rc)
		}

	case packets.Publish:
		qos := pk.FixedHeader.Qos
		msg := &engine.Message{
			Topic:   pk.TopicName,
			Payload: bytes.Clone(pk.Payload),
			QoS:     qos,
			Retain:  pk.FixedHeader.Retain,
			Mid:     int(pk.PacketID),
		}
		if e.version == engine.ProtocolV5 {
			msg.Properties = fromWire(pk.Properties)
		}
		e.log(engine.LogDebug, "Client %s received PUBLISH (d%t, q%d, r%t, m%d, '%s', ... (%d bytes))",
			e.opts.ClientID, pk.FixedHeader.Dup, qos, pk.FixedHeader.Retain, pk.PacketID, pk.TopicName, len(pk.Payload))

		switch qos {
		case 0:
			e.deliver(msg)
		case 1:
			e.deliver(msg)
			return e.ack(packets.Puback, pk.PacketID)
		case 2:
			// Delivered on PUBREL so a redelivered PUBLISH is not seen twice
			e.incoming[pk.PacketID] = msg
			return e.ack(packets.Pubrec, pk.PacketID)
		default:
			return fmt.Errorf("%w: publish qos %d", engine.ErrProtocol, qos)
		}

	case packets.Pubrel:
		if err := e.ack(packets.Pubcomp, pk.PacketID); err != nil {
			return err
		}
		if msg, ok := e.incoming[pk.PacketID]; ok {
			delete(e.incoming, pk.PacketID)
			e.deliver(msg)
		}

	case packets.Puback:
		e.complete(pk, flowPublish1, opPublish, func(mid int) { e.firePublish(mid) })

	case packets.Pubrec:
		if e.version == engine.ProtocolV5 && failed(pk.ReasonCode) {
			// The broker ends a refused QoS 2 flow at PUBREC
			e.complete(pk, flowPublish2Rec, opPublish, nil)
			return nil
		}
		if e.inflight[pk.PacketID] == flowPublish2Rec {
			e.inflight[pk.PacketID] = flowPublish2Comp
		}
		return e.ack(packets.Pubrel, pk.PacketID)

	case packets.Pubcomp:
		e.complete(pk, flowPublish2Comp, opPublish, func(mid int) { e.firePublish(mid) })

	case packets.Suback:
		granted := bytes.Clone(pk.ReasonCodes)
		var props *engine.Properties
		if e.version == engine.ProtocolV5 {
			props = fromWire(pk.Properties)
		}
		// A refused filter is reported through its granted code
		e.complete(pk, flowSubscribe, opSubscribe, func(mid int) {
			if e.cb.OnSubscribe != nil {
				e.cb.OnSubscribe(mid, granted, props)
			}
		})

	case packets.Unsuback:
		if e.version == engine.ProtocolV5 && len(pk.ReasonCodes) > 0 {
			pk.ReasonCode = pk.ReasonCodes[0]
		}
		e.complete(pk, flowUnsubscribe, opUnsubscribe, func(mid int) {
			if e.cb.OnUnsubscribe != nil {
				e.cb.OnUnsubscribe(mid)
			}
		})

	case packets.Pingresp:
		e.pingOutstanding = false

	case packets.Disconnect:
		reason := fmt.Errorf("%w: broker sent DISCONNECT reason 0x%02x", engine.ErrConnLost, pk.ReasonCode)
		if pk.Properties.ReasonString != "" {
			reason = fmt.Errorf("%w (%s)", reason, pk.Properties.ReasonString)
		}
		e.teardown(reason)

	default:
		return fmt.Errorf("%w: unexpected packet type %d", engine.ErrProtocol, pk.FixedHeader.Type)
	}
	return nil
}

// complete finishes the flow for pk's mid when it is in the expected
// stage. An MQTT 5 failure reason is reported through OnRequestFailed
// instead of fn. Acknowledgements for unknown mids are logged and dropped.
func (e *Engine) complete(pk *packets.Packet, want flow, op string, fn func(mid int)) {
	mid := pk.PacketID
	if got, ok := e.inflight[mid]; !ok || got != want {
		e.log(engine.LogWarning, "Client %s received unexpected acknowledgement for mid %d", e.opts.ClientID, mid)
		return
	}
	delete(e.inflight, mid)
	if e.version == engine.ProtocolV5 && failed(pk.ReasonCode) {
		e.failRequest(int(mid), op, pk.ReasonCode, pk.Properties.ReasonString)
		return
	}
	if fn != nil {
		fn(int(mid))
	}
}

func (e *Engine) deliver(msg *engine.Message) {
	if e.cb.OnMessage != nil {
		e.cb.OnMessage(msg)
	}
}
