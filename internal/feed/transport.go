package feed

import "context"

// HandshakeEvent is emitted by a transport once, with a nil payload, as soon
// as the feed confirms the handshake and before any other event of the
// session.
const HandshakeEvent = "connect"

// EventHandler receives named events from a feed session. The payload is the
// raw JSON of the event's first argument.
type EventHandler func(event string, payload []byte)

// Transport opens sessions to a feed endpoint.
type Transport interface {
	// Dial connects to endpoint and returns once the feed has confirmed the
	// handshake. It applies its own retry policy before returning an error.
	// onEvent may be invoked from another goroutine for as long as the
	// session lives.
	Dial(ctx context.Context, endpoint string, onEvent EventHandler) (Session, error)
}

// Session is an established feed connection.
type Session interface {
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err reports why the session ended, or nil if it was closed locally.
	Err() error
	// Close ends the session. It must not wait for in-flight event handlers.
	Close() error
}
