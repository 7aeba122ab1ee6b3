package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/ghost"
	"github.com/cnulatienpo/run-sub001/internal/protocol"
)

// Noodle is a replayable session payload: a base timestamp, timeline
// events, an independent notes overlay and a playback profile.
type Noodle struct {
	// Timestamp is an ISO-8601 string or unix milliseconds. When absent the
	// player's clock at construction is used.
	Timestamp any              `json:"timestamp,omitempty"`
	Events    []map[string]any `json:"events"`
	Notes     []map[string]any `json:"event_notes,omitempty"`
	Profile   *Profile         `json:"playback_profile,omitempty"`
}

// Profile holds the authored playback defaults.
type Profile struct {
	Speed        *float64 `json:"speed,omitempty"`
	Loop         *bool    `json:"loop,omitempty"`
	Style        string   `json:"style,omitempty"`
	AudioTrackID string   `json:"audio_track_id,omitempty"`
}

// Entry is one timeline event positioned at OffsetMS from the base.
type Entry struct {
	OffsetMS float64
	Fields   map[string]any
}

// ParseNoodle decodes a noodle document. Numbers stay json.Number.
func ParseNoodle(data []byte) (*Noodle, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var n Noodle
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("decode noodle: %w", err)
	}
	return &n, nil
}

// ReadNoodle loads a noodle from path. Ghost recordings are accepted too and
// converted with FromRecording.
func ReadNoodle(path string) (*Noodle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read noodle: %w", err)
	}

	var probe struct {
		RoomID *string `json:"room_id"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.RoomID != nil {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var rec ghost.Recording
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode ghost recording: %w", err)
		}
		return FromRecording(rec), nil
	}
	return ParseNoodle(data)
}

// FromRecording turns a ghost recording into a noodle whose events are
// positioned by their received_at relative to the room's creation.
func FromRecording(rec ghost.Recording) *Noodle {
	n := &Noodle{Events: make([]map[string]any, 0, len(rec.Events))}
	if rec.CreatedAt != "" {
		n.Timestamp = rec.CreatedAt
	}
	for _, ev := range rec.Events {
		fields := make(map[string]any, len(ev)+1)
		for k, v := range ev {
			fields[k] = v
		}
		if at, ok := protocol.Number(ev[ghost.FieldReceivedAt]); ok {
			fields["time"] = int64(at)
		}
		n.Events = append(n.Events, fields)
	}
	return n
}

func (n *Noodle) base(fallback time.Time) time.Time {
	if t, ok := parseTime(n.Timestamp); ok {
		return t
	}
	return fallback
}

// entries positions events relative to base. Events without a usable time
// sit at offset 0; events before base are clamped to 0.
func (n *Noodle) entries(base time.Time) []Entry {
	out := make([]Entry, 0, len(n.Events))
	for _, ev := range n.Events {
		if ev == nil {
			continue
		}
		offset := 0.0
		if t, ok := parseTime(ev["time"]); ok {
			offset = max(0, float64(t.Sub(base).Milliseconds()))
		}
		out = append(out, Entry{OffsetMS: offset, Fields: ev})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OffsetMS < out[j].OffsetMS })
	return out
}

// notes keeps notes with a numeric t_ms, sorted by it.
func (n *Noodle) notes() []Note {
	out := make([]Note, 0, len(n.Notes))
	for _, note := range n.Notes {
		offset, ok := protocol.Number(note["t_ms"])
		if !ok {
			continue
		}
		out = append(out, Note{OffsetMS: offset, Fields: note})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OffsetMS < out[j].OffsetMS })
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts unix milliseconds or an ISO-8601 string. Zero values and
// empty strings count as absent.
func parseTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	f, ok := protocol.Number(v)
	if !ok || f == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(f)), true
}
