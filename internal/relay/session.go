package relay

import (
	"github.com/google/uuid"

	"github.com/cnulatienpo/run-sub001/internal/latency"
)

// Conn is the outbound half of one client connection.
//
// Send is called with the registry lock held and must not block: transports
// queue the frame and report a full queue as an error.
type Conn interface {
	Send(frame []byte) error
	Close(code int, reason string) error
}

// Session is one connected client. Its room is owned by the Registry.
type Session struct {
	id      string
	conn    Conn
	latency *latency.Estimator

	room *Room // guarded by Registry.mu
}

func newSession(conn Conn) *Session {
	return &Session{
		id:      "client-" + uuid.NewString()[:8],
		conn:    conn,
		latency: latency.NewEstimator(),
	}
}

// ID returns the session id used as sender_id in recordings.
func (s *Session) ID() string { return s.id }

// Latency returns the session's rolling round-trip estimator.
func (s *Session) Latency() *latency.Estimator { return s.latency }
