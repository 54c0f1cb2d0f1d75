package native

import (
	"bytes"
	"fmt"

	"github.com/mochi-mqtt/server/v2/packets"

	"mqtt-aio/internal/engine"
)

// newPacket returns an empty packet of type t for the given protocol
// version. PUBREL, SUBSCRIBE and UNSUBSCRIBE carry the reserved 0b0010
// header flags.
func newPacket(t, version byte) packets.Packet {
	pk := packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: t},
		ProtocolVersion: version,
	}
	switch t {
	case packets.Pubrel, packets.Subscribe, packets.Unsubscribe:
		pk.FixedHeader.Qos = 1
	}
	return pk
}

// encode appends the wire form of pk to buf.
func encode(pk *packets.Packet, buf *bytes.Buffer) error {
	switch pk.FixedHeader.Type {
	case packets.Connect:
		return pk.ConnectEncode(buf)
	case packets.Publish:
		return pk.PublishEncode(buf)
	case packets.Puback:
		return pk.PubackEncode(buf)
	case packets.Pubrec:
		return pk.PubrecEncode(buf)
	case packets.Pubrel:
		return pk.PubrelEncode(buf)
	case packets.Pubcomp:
		return pk.PubcompEncode(buf)
	case packets.Subscribe:
		return pk.SubscribeEncode(buf)
	case packets.Unsubscribe:
		return pk.UnsubscribeEncode(buf)
	case packets.Pingreq:
		return pk.PingreqEncode(buf)
	case packets.Disconnect:
		return pk.DisconnectEncode(buf)
	default:
		return fmt.Errorf("packet type %d is not sent by clients", pk.FixedHeader.Type)
	}
}

// decode parses one complete frame. The packet may alias frame.
func decode(frame []byte, version byte) (packets.Packet, error) {
	pk := packets.Packet{ProtocolVersion: version}
	if err := pk.FixedHeader.Decode(frame[0]); err != nil {
		return pk, fmt.Errorf("%w: %v", engine.ErrProtocol, err)
	}
	remaining, used, err := packets.DecodeLength(bytes.NewReader(frame[1:]))
	if err != nil {
		return pk, fmt.Errorf("%w: %v", engine.ErrProtocol, err)
	}
	pk.FixedHeader.Remaining = remaining
	body := frame[1+used:]

	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackDecode(body)
	case packets.Publish:
		err = pk.PublishDecode(body)
	case packets.Puback:
		err = pk.PubackDecode(body)
	case packets.Pubrec:
		err = pk.PubrecDecode(body)
	case packets.Pubrel:
		err = pk.PubrelDecode(body)
	case packets.Pubcomp:
		err = pk.PubcompDecode(body)
	case packets.Suback:
		err = pk.SubackDecode(body)
	case packets.Unsuback:
		err = pk.UnsubackDecode(body)
	case packets.Pingresp:
		err = pk.PingrespDecode(body)
	case packets.Disconnect:
		if version != engine.ProtocolV5 {
			return pk, fmt.Errorf("%w: DISCONNECT from broker", engine.ErrProtocol)
		}
		err = pk.DisconnectDecode(body)
	default:
		return pk, fmt.Errorf("%w: unexpected packet type %d", engine.ErrProtocol, pk.FixedHeader.Type)
	}
	if err != nil {
		return pk, fmt.Errorf("%w: %v", engine.ErrProtocol, err)
	}
	return pk, nil
}

// connackCode maps a CONNACK reason onto the 3.1.1 return codes. MQTT 5
// reasons without a 3.1.1 equivalent keep their value.
func connackCode(version, reason byte) engine.ConnackCode {
	if version != engine.ProtocolV5 {
		return engine.ConnackCode(reason)
	}
	switch reason {
	case packets.CodeSuccess.Code:
		return engine.ConnAccepted
	case packets.ErrUnsupportedProtocolVersion.Code:
		return engine.ConnRefusedProtocolVersion
	case packets.ErrClientIdentifierNotValid.Code:
		return engine.ConnRefusedIdentifierRejected
	case packets.ErrServerUnavailable.Code, packets.ErrServerBusy.Code:
		return engine.ConnRefusedServerUnavailable
	case packets.ErrBadUsernameOrPassword.Code:
		return engine.ConnRefusedBadUsernameOrPassword
	case packets.ErrNotAuthorized.Code, packets.ErrBanned.Code:
		return engine.ConnRefusedNotAuthorized
	default:
		return engine.ConnackCode(reason)
	}
}

// failed reports whether an MQTT 5 acknowledgement reason is a failure.
func failed(reason byte) bool {
	return reason >= packets.ErrUnspecifiedError.Code
}

func fromWire(p packets.Properties) *engine.Properties {
	out := &engine.Properties{
		ContentType:     p.ContentType,
		ResponseTopic:   p.ResponseTopic,
		CorrelationData: bytes.Clone(p.CorrelationData),
		ReasonString:    p.ReasonString,
	}
	if p.PayloadFormatFlag {
		pf := p.PayloadFormat
		out.PayloadFormat = &pf
	}
	if p.MessageExpiryInterval > 0 {
		me := p.MessageExpiryInterval
		out.MessageExpiry = &me
	}
	if len(p.SubscriptionIdentifier) > 0 {
		out.SubscriptionIDs = append([]int(nil), p.SubscriptionIdentifier...)
	}
	for _, u := range p.User {
		out.User = append(out.User, engine.UserProperty{Key: u.Key, Value: u.Val})
	}
	return out
}

func toWire(p *engine.Properties) packets.Properties {
	var out packets.Properties
	if p == nil {
		return out
	}
	out.ContentType = p.ContentType
	out.ResponseTopic = p.ResponseTopic
	out.CorrelationData = p.CorrelationData
	if p.PayloadFormat != nil {
		out.PayloadFormat = *p.PayloadFormat
		out.PayloadFormatFlag = true
	}
	if p.MessageExpiry != nil {
		out.MessageExpiryInterval = *p.MessageExpiry
	}
	for _, u := range p.User {
		out.User = append(out.User, packets.UserProperty{Key: u.Key, Val: u.Value})
	}
	return out
}
