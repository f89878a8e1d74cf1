package models

// ConnectionState is the lifecycle state of the feed connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	ConnectingPrimary
	ConnectedPrimary
	ConnectingFallback
	ConnectedFallback
	BackoffWait
)

var connectionStateNames = [...]string{
	Disconnected:       "disconnected",
	ConnectingPrimary:  "connecting_primary",
	ConnectedPrimary:   "connected_primary",
	ConnectingFallback: "connecting_fallback",
	ConnectedFallback:  "connected_fallback",
	BackoffWait:        "backoff_wait",
}

func (s ConnectionState) String() string {
	if s >= 0 && int(s) < len(connectionStateNames) {
		return connectionStateNames[s]
	}
	return "unknown"
}

// IsConnected reports whether frames can flow in this state.
func (s ConnectionState) IsConnected() bool {
	return s == ConnectedPrimary || s == ConnectedFallback
}

// MarshalText renders the state by name in JSON and logs.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
