// Package ghost persists and reads ghost recordings: the ordered log of every
// event relayed in a room, written once when the room closes.
package ghost

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/protocol"
)

// Fields stamped on every recorded event by the relay.
const (
	FieldReceivedAt = "received_at"
	FieldSenderID   = "sender_id"
	FieldPingAvgMS  = "ping_avg_ms"
)

// Event is one recorded event: the relayed payload plus receipt metadata.
type Event map[string]any

// ReceivedAt returns the receipt time in unix milliseconds.
func (e Event) ReceivedAt() (int64, bool) {
	f, ok := protocol.Number(e[FieldReceivedAt])
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Recording is the on-disk ghost document.
type Recording struct {
	RoomID     string  `json:"room_id"`
	CreatedAt  string  `json:"created_at"`
	ClosedAt   string  `json:"closed_at"`
	DurationMS int64   `json:"duration_ms"`
	Events     []Event `json:"events"`
}

// Snapshot is the state of a room handed over for flushing at teardown.
type Snapshot struct {
	RoomID    string
	CreatedAt time.Time
	ClosedAt  time.Time
	Events    []Event
}

// Span returns the receipt time of the first and last event, falling back to
// the room creation time and the close time when a timestamp is unavailable.
func (s Snapshot) Span() (start, end time.Time) {
	start, end = s.CreatedAt, s.ClosedAt
	if len(s.Events) == 0 {
		return start, end
	}
	if ms, ok := s.Events[0].ReceivedAt(); ok {
		start = time.UnixMilli(ms)
	}
	if ms, ok := s.Events[len(s.Events)-1].ReceivedAt(); ok {
		end = time.UnixMilli(ms)
	}
	return start, end
}

// Recording builds the document written for this snapshot.
func (s Snapshot) Recording() Recording {
	start, end := s.Span()
	events := s.Events
	if events == nil {
		events = []Event{}
	}
	return Recording{
		RoomID:     s.RoomID,
		CreatedAt:  FormatTime(s.CreatedAt),
		ClosedAt:   FormatTime(s.ClosedAt),
		DurationMS: end.Sub(start).Milliseconds(),
		Events:     events,
	}
}

// RelPath is the recording location relative to the ghosts root:
// <YYYY-MM-DD>/ghost_<sanitized-room-id>.json, dated by the first event.
func (s Snapshot) RelPath() string {
	start, _ := s.Span()
	return start.UTC().Format(time.DateOnly) + "/" + FileName(s.RoomID)
}

// FileName returns the recording file name for roomID.
func FileName(roomID string) string {
	return "ghost_" + SanitizeRoomID(roomID) + ".json"
}

// SanitizeRoomID replaces every character outside [A-Za-z0-9_-] with '_'.
// Empty and all-unsafe ids are not rejected, so distinct ids may collide.
func SanitizeRoomID(roomID string) string {
	var b strings.Builder
	b.Grow(len(roomID))
	for _, r := range roomID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FormatTime renders t as an ISO-8601 UTC timestamp with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// FormatDuration renders ms as MM:SS, rounding to whole seconds.
func FormatDuration(ms int64) string {
	total := int64(math.Round(float64(ms) / 1000))
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
