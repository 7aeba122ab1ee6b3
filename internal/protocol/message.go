package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Message types used by the relay protocol.
const (
	TypeJoin  = "join"
	TypePing  = "ping"
	TypePong  = "pong"
	TypeEvent = "event"
)

var (
	// ErrNotObject is returned by Decode for frames that are not a JSON object.
	ErrNotObject = errors.New("message is not a JSON object")
	// ErrUnknownType is returned by Decode for a type tag outside the protocol.
	ErrUnknownType = errors.New("unknown message type")
)

// Inbound is one decoded client message: Join, Ping, Event or Raw.
type Inbound interface {
	inbound()
}

// Join attaches the sender to a room.
type Join struct {
	RoomID string
}

// Ping carries the client's send time. SentAt is zero when the client sent
// nothing usable.
type Ping struct {
	SentAt time.Time
}

// Event is an explicit {"type":"event","data":{...}} message.
type Event struct {
	Data map[string]any
}

// Raw is an object without a type tag. The whole object is relayed as
// event data.
type Raw struct {
	Payload map[string]any
}

func (Join) inbound()  {}
func (Ping) inbound()  {}
func (Event) inbound() {}
func (Raw) inbound()   {}

var (
	roomIDFields = []string{"room_id", "roomId", "session_id", "group_id"}
	sentAtFields = []string{"sent_at", "ts", "timestamp"}
)

// Decode parses one frame into its message variant. Numbers are kept as
// json.Number so relayed payloads round-trip without precision loss.
func Decode(data []byte) (Inbound, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if obj == nil {
		return nil, ErrNotObject
	}

	typ, _ := obj["type"].(string)
	switch typ {
	case TypeJoin:
		return Join{RoomID: firstString(obj, roomIDFields)}, nil
	case TypePing:
		return Ping{SentAt: firstTime(obj, sentAtFields)}, nil
	case TypeEvent:
		data, _ := obj["data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		return Event{Data: data}, nil
	case "":
		return Raw{Payload: obj}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// Pong answers a ping with both timestamps in unix milliseconds.
type Pong struct {
	Type       string `json:"type"`
	SentAt     int64  `json:"sent_at"`
	ReceivedAt int64  `json:"received_at"`
}

// NewPong builds a pong frame.
func NewPong(sentAt, receivedAt time.Time) Pong {
	return Pong{Type: TypePong, SentAt: sentAt.UnixMilli(), ReceivedAt: receivedAt.UnixMilli()}
}

// EventOut is the fan-out frame delivered to the other members of a room.
type EventOut struct {
	Type   string         `json:"type"`
	RoomID string         `json:"room_id"`
	Data   map[string]any `json:"data"`
}

// NewEventOut builds an outbound event frame.
func NewEventOut(roomID string, data map[string]any) EventOut {
	return EventOut{Type: TypeEvent, RoomID: roomID, Data: data}
}

// Number reports v as a finite float64. It accepts json.Number and the Go
// numeric types produced by encoding/json and by callers building payloads.
func Number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstTime(obj map[string]any, keys []string) time.Time {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return time.Time{}
			}
			return time.UnixMilli(int64(f))
		}
		if f, ok := Number(v); ok {
			return time.UnixMilli(int64(f))
		}
		return time.Time{}
	}
	return time.Time{}
}
