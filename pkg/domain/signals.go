package domain

import "log/slog"

// Signals emitted towards the peer.
const (
	SignalData      = "data"
	SignalClassData = "class_data"
	SignalLog       = "log"
	SignalWarn      = "warn"
	SignalError     = "error"
	SignalConnect   = "__connect"
	SignalProcess   = "__process"
)

// Implicit actions dispatched by the runtime.
const (
	ActionConnect      = "connect"
	ActionArgs         = "args"
	ActionConnected    = "connected"
	ActionDisconnected = "disconnected"

	// ActionWildcard registers a handler that runs for every action.
	ActionWildcard = "*"
)

// Reserved envelope keys.
const (
	KeyConnect      = "__connect"
	KeyRequestArgs  = "__request_args"
	KeyProcessID    = "__process_id"
	KeyHandshake    = "__handshake"
	KeyHandshakeAck = "__handshake_ack"
)

// Process marker states.
const (
	ProcessStart = "start"
	ProcessEnd   = "end"
)

// IsLogSignal reports whether an emitted signal is mirrored into the server log.
func IsLogSignal(signal string) bool {
	return signal == SignalLog || signal == SignalWarn || signal == SignalError
}

// LogLevel is the server log level a mirrored signal is written at.
func LogLevel(signal string) slog.Level {
	switch signal {
	case SignalWarn:
		return slog.LevelWarn
	case SignalError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// IsLifecycleAction reports whether action is one of the implicit actions
// the runtime dispatches on connect and disconnect.
func IsLifecycleAction(action string) bool {
	switch action {
	case ActionConnect, ActionArgs, ActionConnected, ActionDisconnected:
		return true
	}
	return false
}
