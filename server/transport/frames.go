package transport

import (
	"encoding/json"
	"fmt"
)

// Wire framing of the backend channel. Messages are text frames whose first
// character is the engine-level packet type; application messages carry a
// one-character sub-type, the namespace, and a JSON array of
// [event name, payload].
//
//	40/analytics-edge,                          namespace open
//	42/analytics-edge,["edge:config",{...}]     event
//	2 / 3                                       ping / pong

// Namespace that all analytics-edge traffic is scoped to.
const Namespace = "/analytics-edge"

type packetKind int

const (
	packetUnknown packetKind = iota
	packetOpen               // transport open (server session info)
	packetClose              // transport close
	packetPing
	packetPong
	packetNamespaceOpen
	packetNamespaceClose
	packetEvent
	packetAck
)

type packet struct {
	kind    packetKind
	event   string          // packetEvent only
	payload json.RawMessage // packetEvent: the event payload; packetOpen: session info
}

func encodeNamespaceOpen() []byte {
	return []byte("40" + Namespace + ",")
}

var pongFrame = []byte("3")

func encodeEvent(event string, payload any) ([]byte, error) {
	arr, err := json.Marshal([2]any{event, payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %v payload: %w", event, err)
	}
	return append([]byte("42"+Namespace+","), arr...), nil
}

// parsePacket decodes one inbound wire frame.
// Malformed frames come back as packetUnknown with a non-nil error; the
// caller logs and drops them, the connection stays up.
func parsePacket(data []byte) (packet, error) {
	if len(data) == 0 {
		return packet{}, fmt.Errorf("empty frame")
	}
	switch data[0] {
	case '0':
		return packet{kind: packetOpen, payload: json.RawMessage(data[1:])}, nil
	case '1':
		return packet{kind: packetClose}, nil
	case '2':
		return packet{kind: packetPing}, nil
	case '3':
		return packet{kind: packetPong}, nil
	case '4':
		return parseMessage(data[1:])
	default:
		return packet{}, fmt.Errorf("unknown packet type %q", data[0])
	}
}

func parseMessage(data []byte) (packet, error) {
	if len(data) == 0 {
		return packet{}, fmt.Errorf("truncated message frame")
	}
	switch data[0] {
	case '0':
		return packet{kind: packetNamespaceOpen}, nil
	case '1':
		return packet{kind: packetNamespaceClose}, nil
	case '3':
		return packet{kind: packetAck}, nil
	case '2':
		// 2<namespace>,["event",payload]
		body := data[1:]
		comma := -1
		for i, c := range body {
			if c == ',' {
				comma = i
				break
			}
		}
		if comma < 0 {
			return packet{}, fmt.Errorf("event frame has no namespace separator")
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(body[comma+1:], &arr); err != nil {
			return packet{}, fmt.Errorf("failed to parse event JSON: %w", err)
		}
		if len(arr) < 2 {
			return packet{}, fmt.Errorf("event array has %v elements, want 2", len(arr))
		}
		var event string
		if err := json.Unmarshal(arr[0], &event); err != nil {
			return packet{}, fmt.Errorf("event name is not a string: %w", err)
		}
		return packet{kind: packetEvent, event: event, payload: arr[1]}, nil
	default:
		return packet{}, fmt.Errorf("unknown message sub-type %q", data[0])
	}
}
