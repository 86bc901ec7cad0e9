package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Engine.IO v4 packet types
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

type packetKind int

const (
	kindUnknown packetKind = iota
	kindOpen
	kindClose
	kindPing
	kindPong
	kindNoop
	kindConnect
	kindDisconnect
	kindEvent
	kindAck
	kindConnectError
)

type packet struct {
	kind  packetKind
	data  []byte
	event Event
}

// handshake is the payload of the Engine.IO open packet.
type handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

var errMalformedPacket = errors.New("malformed packet")

var (
	framePong            = []byte{eioPong}
	frameConnect         = []byte{eioMessage, sioConnect}
	frameDisconnect      = []byte{eioMessage, sioDisconnect}
	frameEventPrefixSize = 2
)

func decodePacket(b []byte) (packet, error) {
	if len(b) == 0 {
		return packet{}, errMalformedPacket
	}
	switch b[0] {
	case eioOpen:
		return packet{kind: kindOpen, data: b[1:]}, nil
	case eioClose:
		return packet{kind: kindClose}, nil
	case eioPing:
		return packet{kind: kindPing, data: b[1:]}, nil
	case eioPong:
		return packet{kind: kindPong}, nil
	case eioNoop:
		return packet{kind: kindNoop}, nil
	case eioMessage:
		return decodeSocketPacket(b[1:])
	}
	return packet{kind: kindUnknown, data: b}, nil
}

func decodeSocketPacket(b []byte) (packet, error) {
	if len(b) == 0 {
		return packet{}, errMalformedPacket
	}
	kind := b[0]
	body := skipNamespace(b[1:])
	switch kind {
	case sioConnect:
		return packet{kind: kindConnect, data: body}, nil
	case sioDisconnect:
		return packet{kind: kindDisconnect}, nil
	case sioConnectError:
		return packet{kind: kindConnectError, data: body}, nil
	case sioAck:
		return packet{kind: kindAck, data: skipAckID(body)}, nil
	case sioEvent:
		evt, err := decodeEvent(skipAckID(body))
		if err != nil {
			return packet{}, err
		}
		return packet{kind: kindEvent, event: evt}, nil
	}
	return packet{kind: kindUnknown, data: b}, nil
}

// skipNamespace drops a "/namespace," prefix. Only the default namespace is
// used, so the name itself is ignored.
func skipNamespace(b []byte) []byte {
	if len(b) == 0 || b[0] != '/' {
		return b
	}
	if i := bytes.IndexByte(b, ','); i >= 0 {
		return b[i+1:]
	}
	return nil
}

func skipAckID(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	return b[i:]
}

func decodeEvent(b []byte) (Event, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return Event{}, fmt.Errorf("%w: %w", errMalformedPacket, err)
	}
	if len(parts) == 0 {
		return Event{}, fmt.Errorf("%w: event without a name", errMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return Event{}, fmt.Errorf("%w: event name: %w", errMalformedPacket, err)
	}
	evt := Event{Name: name}
	if len(parts) > 1 {
		evt.Data = parts[1]
	}
	return evt, nil
}

func encodeEvent(name string, payload any) ([]byte, error) {
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	frame := make([]byte, 0, frameEventPrefixSize+len(body))
	frame = append(frame, eioMessage, sioEvent)
	return append(frame, body...), nil
}

func decodeHandshake(b []byte) (handshake, error) {
	var h handshake
	if err := json.Unmarshal(b, &h); err != nil {
		return h, fmt.Errorf("%w: open packet: %w", errMalformedPacket, err)
	}
	return h, nil
}

func connectErrorMessage(b []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(b)
}
