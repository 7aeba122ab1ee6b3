package relay

import "time"

const (
	// DefaultInactivityTimeout tears a room down after this long without events.
	DefaultInactivityTimeout = 5 * time.Minute

	// DefaultCompensationThreshold is the rolling average latency in ms above
	// which outbound events carry adjusted_t_ms.
	DefaultCompensationThreshold = 200.0

	// DefaultFlushTimeout bounds one ghost flush including its side effects.
	DefaultFlushTimeout = 30 * time.Second

	// CloseNormal is the websocket close code sent at teardown.
	CloseNormal = 1000
)

// Event payload fields stamped by the broadcast engine.
const (
	FieldTimeOffset     = "t_ms"
	FieldAdjustedOffset = "adjusted_t_ms"
)

// Reason says why a room was torn down. It doubles as the close frame text.
type Reason string

const (
	ReasonEmpty    Reason = "empty"
	ReasonTimeout  Reason = "timeout"
	ReasonShutdown Reason = "shutdown"
)
