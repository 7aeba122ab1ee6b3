package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/ghost"
	"github.com/cnulatienpo/run-sub001/internal/protocol"
)

// Ping records a round-trip sample for s and answers with a pong.
func (r *Registry) Ping(s *Session, sentAt time.Time) error {
	now := r.clock.Now()
	if sentAt.IsZero() {
		sentAt = now
	}
	sample := s.latency.RecordPing(sentAt, now)
	r.metrics.pingObserved(sample)

	slog.Debug("ping telemetry",
		"client_id", s.id,
		"latency_ms", sample,
		"avg_ms", math.Round(s.latency.Average()),
		"samples", s.latency.Samples(),
	)

	frame, err := json.Marshal(protocol.NewPong(sentAt, now))
	if err != nil {
		return fmt.Errorf("encode pong: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Send(frame)
}

// Publish relays payload from s to every other member of its room and
// appends it to the room's recording. It returns the number of members the
// frame was queued for.
func (r *Registry) Publish(s *Session, payload map[string]any) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := s.room
	if room == nil {
		return 0, ErrNotInRoom
	}

	now := r.clock.Now()
	avg := s.latency.Average()
	out := r.stamp(room, payload, now, avg)

	frame, err := json.Marshal(protocol.NewEventOut(room.id, out))
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	delivered := 0
	for _, m := range room.memberList() {
		if m == s {
			continue
		}
		if err := m.conn.Send(frame); err != nil {
			r.metrics.deliveryFailed()
			slog.Warn("failed to deliver event", "room_id", room.id, "client_id", m.id, "err", err)
			continue
		}
		delivered++
	}
	r.totalEvents.Add(1)
	r.totalBytes.Add(uint64(len(frame)))
	r.metrics.eventRelayed()

	rec := make(ghost.Event, len(out)+3)
	for k, v := range out {
		rec[k] = v
	}
	rec[ghost.FieldReceivedAt] = now.UnixMilli()
	rec[ghost.FieldSenderID] = s.id
	rec[ghost.FieldPingAvgMS] = int64(math.Round(avg))
	room.events = append(room.events, rec)

	r.touchLocked(room)
	return delivered, nil
}

// stamp copies payload, filling t_ms from the room clock when absent and
// adding adjusted_t_ms for senders above the compensation threshold.
func (r *Registry) stamp(room *Room, payload map[string]any, now time.Time, avg float64) map[string]any {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}

	offset, ok := protocol.Number(out[FieldTimeOffset])
	if !ok {
		offset = float64(now.Sub(room.createdAt).Milliseconds())
		out[FieldTimeOffset] = int64(offset)
	}
	if avg > r.threshold {
		out[FieldAdjustedOffset] = offsetValue(offset + math.Round(avg/2))
	}
	return out
}

func offsetValue(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
