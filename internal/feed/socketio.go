package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/clock"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Socket.IO transport defaults, matching the feed's client library settings.
const (
	DefaultDialAttempts     = 5
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRetryDelay       = time.Second
	DefaultMaxRetryDelay    = 5 * time.Second

	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
	writeTimeout        = 5 * time.Second
)

var (
	// ErrConnectRejected is returned when the server refuses the namespace connect.
	ErrConnectRejected = errors.New("feed rejected namespace connect")
	// ErrServerClosed is reported when the server ends the session.
	ErrServerClosed = errors.New("feed closed the session")
)

// SocketIOTransport speaks Engine.IO v4 / Socket.IO v5 over a websocket.
type SocketIOTransport struct {
	dialer           *websocket.Dialer
	attempts         int
	handshakeTimeout time.Duration
	retryDelay       time.Duration
	maxRetryDelay    time.Duration
	clock            clock.Clock
}

// SocketIOOption configures a SocketIOTransport.
type SocketIOOption func(*SocketIOTransport)

// WithDialAttempts sets how many times Dial tries an endpoint before failing.
func WithDialAttempts(n int) SocketIOOption {
	return func(t *SocketIOTransport) {
		if n > 0 {
			t.attempts = n
		}
	}
}

// WithHandshakeTimeout bounds each connection attempt including the handshake.
func WithHandshakeTimeout(d time.Duration) SocketIOOption {
	return func(t *SocketIOTransport) {
		if d > 0 {
			t.handshakeTimeout = d
		}
	}
}

// WithRetryDelay sets the initial and maximum delay between attempts.
func WithRetryDelay(initial, maxDelay time.Duration) SocketIOOption {
	return func(t *SocketIOTransport) {
		t.retryDelay = initial
		t.maxRetryDelay = maxDelay
	}
}

// WithTransportClock sets the clock used between attempts.
func WithTransportClock(c clock.Clock) SocketIOOption {
	return func(t *SocketIOTransport) { t.clock = c }
}

// NewSocketIOTransport creates a websocket-only Socket.IO transport.
func NewSocketIOTransport(opts ...SocketIOOption) *SocketIOTransport {
	t := &SocketIOTransport{
		dialer:           &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout},
		attempts:         DefaultDialAttempts,
		handshakeTimeout: DefaultHandshakeTimeout,
		retryDelay:       DefaultRetryDelay,
		maxRetryDelay:    DefaultMaxRetryDelay,
		clock:            clock.Real(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.dialer.HandshakeTimeout = t.handshakeTimeout
	return t
}

// Dial implements Transport.
func (t *SocketIOTransport) Dial(ctx context.Context, endpoint string, onEvent EventHandler) (Session, error) {
	target, err := SocketURL(endpoint)
	if err != nil {
		return nil, err
	}

	var lastErr error
	delay := t.retryDelay
	for attempt := 1; attempt <= t.attempts; attempt++ {
		sess, err := t.dialOnce(ctx, target, onEvent)
		if err == nil {
			slog.Info("SocketIOTransport.Dial: connected", "endpoint", endpoint, "attempt", attempt)
			return sess, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("SocketIOTransport.Dial: attempt failed", "endpoint", endpoint, "attempt", attempt, "error", err)
		if attempt == t.attempts {
			break
		}
		if err := clock.Wait(ctx, t.clock, delay); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > t.maxRetryDelay {
			delay = t.maxRetryDelay
		}
	}
	return nil, fmt.Errorf("feed %s unreachable after %d attempts: %w", endpoint, t.attempts, lastErr)
}

// SocketURL converts a feed base URL into its Socket.IO websocket URL.
func SocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid feed endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid feed endpoint %q: unsupported scheme", endpoint)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid feed endpoint %q: missing host", endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *SocketIOTransport) dialOnce(ctx context.Context, target string, onEvent EventHandler) (Session, error) {
	hctx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()

	conn, _, err := t.dialer.DialContext(hctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	// Unblock handshake reads if ctx ends first.
	stop := context.AfterFunc(hctx, func() { conn.Close() })

	pingInterval, pingTimeout, err := handshake(conn, time.Now().Add(t.handshakeTimeout))
	if !stop() {
		conn.Close()
		if err == nil {
			err = hctx.Err()
		}
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	s := &socketSession{
		conn:         conn,
		onEvent:      onEvent,
		readDeadline: pingInterval + pingTimeout,
		done:         make(chan struct{}),
	}
	onEvent(HandshakeEvent, nil)
	go s.readLoop()
	return s, nil
}

// handshake reads the Engine.IO open packet, connects to the default
// namespace and waits for the acknowledgement.
func handshake(conn *websocket.Conn, deadline time.Time) (time.Duration, time.Duration, error) {
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	open, err := readText(conn)
	if err != nil {
		return 0, 0, fmt.Errorf("reading open packet: %w", err)
	}
	if len(open) == 0 || open[0] != '0' {
		return 0, 0, fmt.Errorf("unexpected open packet %q", truncate(open))
	}
	info := gjson.ParseBytes(open[1:])
	pingInterval := durationMillis(info.Get("pingInterval"), defaultPingInterval)
	pingTimeout := durationMillis(info.Get("pingTimeout"), defaultPingTimeout)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return 0, 0, fmt.Errorf("sending namespace connect: %w", err)
	}

	for {
		pkt, err := readText(conn)
		if err != nil {
			return 0, 0, fmt.Errorf("waiting for namespace ack: %w", err)
		}
		switch {
		case bytes.Equal(pkt, []byte("2")):
			if err := conn.WriteMessage(websocket.TextMessage, []byte("3")); err != nil {
				return 0, 0, fmt.Errorf("answering ping: %w", err)
			}
		case bytes.HasPrefix(pkt, []byte("40")):
			conn.SetWriteDeadline(time.Time{})
			return pingInterval, pingTimeout, nil
		case bytes.HasPrefix(pkt, []byte("44")):
			msg := gjson.GetBytes(pkt[2:], "message").String()
			return 0, 0, fmt.Errorf("%w: %s", ErrConnectRejected, msg)
		case bytes.HasPrefix(pkt, []byte("1")):
			return 0, 0, ErrServerClosed
		}
	}
}

func readText(conn *websocket.Conn) ([]byte, error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func durationMillis(v gjson.Result, def time.Duration) time.Duration {
	if !v.Exists() || v.Int() <= 0 {
		return def
	}
	return time.Duration(v.Int()) * time.Millisecond
}

func truncate(b []byte) string {
	const limit = 64
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

type socketSession struct {
	conn         *websocket.Conn
	onEvent      EventHandler
	readDeadline time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

func (s *socketSession) Done() <-chan struct{} { return s.done }

func (s *socketSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close disconnects from the namespace and closes the socket without
// waiting for the read loop.
func (s *socketSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		s.conn.WriteMessage(websocket.TextMessage, []byte("41"))
		s.writeMu.Unlock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		err = s.conn.Close()
		close(s.done)
	})
	return err
}

func (s *socketSession) finish(cause error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()
		s.conn.Close()
		close(s.done)
	})
}

func (s *socketSession) write(pkt string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(pkt))
}

func (s *socketSession) readLoop() {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		if mt != websocket.TextMessage || len(data) == 0 {
			continue
		}
		if err := s.handlePacket(data); err != nil {
			s.finish(err)
			return
		}
	}
}

func (s *socketSession) handlePacket(pkt []byte) error {
	switch pkt[0] {
	case '2':
		return s.write("3")
	case '1':
		return ErrServerClosed
	case '4':
		if len(pkt) < 2 {
			return nil
		}
		switch pkt[1] {
		case '2':
			name, payload, ok := parseEvent(pkt[2:])
			if !ok {
				slog.Warn("socketSession: unparseable event packet", "packet", truncate(pkt))
				return nil
			}
			s.onEvent(name, payload)
		case '1':
			return ErrServerClosed
		case '4':
			return fmt.Errorf("%w: %s", ErrConnectRejected, gjson.GetBytes(pkt[2:], "message").String())
		}
	}
	return nil
}

// parseEvent splits `[/nsp,][ackId]["name", payload, ...]` into the event
// name and the raw JSON of its first argument.
func parseEvent(body []byte) (string, []byte, bool) {
	if len(body) > 0 && body[0] == '/' {
		i := bytes.IndexByte(body, ',')
		if i < 0 {
			return "", nil, false
		}
		body = body[i+1:]
	}
	for len(body) > 0 && body[0] >= '0' && body[0] <= '9' {
		body = body[1:]
	}
	if !gjson.ValidBytes(body) {
		return "", nil, false
	}
	arr := gjson.ParseBytes(body)
	if !arr.IsArray() {
		return "", nil, false
	}
	name := arr.Get("0")
	if name.Type != gjson.String {
		return "", nil, false
	}
	payload := arr.Get("1")
	if !payload.Exists() {
		return name.String(), []byte("null"), true
	}
	return name.String(), []byte(payload.Raw), true
}
