package relay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cnulatienpo/run-sub001/internal/protocol"
)

// Handle decodes one inbound frame from s and applies it. Failures are
// logged and never close the connection.
func (r *Registry) Handle(s *Session, frame []byte) {
	msg, err := protocol.Decode(frame)
	if errors.Is(err, protocol.ErrUnknownType) {
		slog.Warn("rejected message", "client_id", s.id, "err", err)
		return
	}
	if err != nil {
		slog.Warn("received invalid JSON payload", "client_id", s.id, "err", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Ping:
		if err := r.Ping(s, m.SentAt); err != nil {
			slog.Warn("failed to send pong", "client_id", s.id, "err", err)
		}
	case protocol.Join:
		if _, err := r.Join(s, m.RoomID); err != nil {
			slog.Warn("join rejected", "client_id", s.id, "room_id", m.RoomID, "err", err)
		}
	case protocol.Event:
		r.publish(s, m.Data)
	case protocol.Raw:
		r.publish(s, m.Payload)
	default:
		slog.Warn("unsupported message", "client_id", s.id, "type", fmt.Sprintf("%T", msg))
	}
}

func (r *Registry) publish(s *Session, payload map[string]any) {
	if _, err := r.Publish(s, payload); err != nil {
		if errors.Is(err, ErrNotInRoom) {
			slog.Warn("ignoring event without room assignment", "client_id", s.id)
			return
		}
		slog.Error("publish failed", "client_id", s.id, "err", err)
	}
}
