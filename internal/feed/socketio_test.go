package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/gorilla/websocket"
)

// feedServer is a minimal Socket.IO server for transport tests.
type feedServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	reject   string // if set, namespace connects are refused with this message

	mu    sync.Mutex
	conns []*websocket.Conn
	pongs int
	ready chan *websocket.Conn
}

func newFeedServer(t *testing.T) (*feedServer, *httptest.Server) {
	fs := &feedServer{t: t, ready: make(chan *websocket.Conn, 4)}
	srv := httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(func() {
		fs.mu.Lock()
		for _, c := range fs.conns {
			c.Close()
		}
		fs.mu.Unlock()
		srv.Close()
	})
	return fs, srv
}

func (fs *feedServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.NotFound(w, r)
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"abc","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "40" {
		return
	}
	if fs.reject != "" {
		conn.WriteMessage(websocket.TextMessage, []byte(`44{"message":"`+fs.reject+`"}`))
		return
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"ns-abc"}`))
	fs.ready <- conn

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "3" {
			fs.mu.Lock()
			fs.pongs++
			fs.mu.Unlock()
		}
	}
}

func (fs *feedServer) pongCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.pongs
}

func (fs *feedServer) awaitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.ready:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never completed a handshake")
		return nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []string
	bodies []string
}

func (l *eventLog) handle(event string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.bodies = append(l.bodies, string(payload))
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://redalert.orielhaim.com", "wss://redalert.orielhaim.com/socket.io/?EIO=4&transport=websocket"},
		{"http://localhost:3000/", "ws://localhost:3000/socket.io/?EIO=4&transport=websocket"},
		{"wss://feed.example/base", "wss://feed.example/base/socket.io/?EIO=4&transport=websocket"},
	}
	for _, tt := range tests {
		got, err := SocketURL(tt.in)
		if err != nil {
			t.Errorf("SocketURL(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("SocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"ftp://x", "https://", "::"} {
		if _, err := SocketURL(bad); err == nil {
			t.Errorf("SocketURL(%q) should fail", bad)
		}
	}
}

func TestSocketIODialReceivesEvents(t *testing.T) {
	fs, srv := newFeedServer(t)
	tr := NewSocketIOTransport(WithDialAttempts(1), WithHandshakeTimeout(2*time.Second))

	var log eventLog
	sess, err := tr.Dial(context.Background(), srv.URL, log.handle)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sess.Close()
	conn := fs.awaitConn(t)

	conn.WriteMessage(websocket.TextMessage, []byte("2"))
	conn.WriteMessage(websocket.TextMessage, []byte(`42["alert",{"cities":["Haifa"],"cat":"red alert"}]`))
	conn.WriteMessage(websocket.TextMessage, []byte(`42/,17["alert",{"data":["Akko"]}]`))
	conn.WriteMessage(websocket.TextMessage, []byte(`42 not json`))
	conn.WriteMessage(websocket.TextMessage, []byte(`42["heartbeat"]`))

	waitFor(t, "events", func() bool { return log.len() == 4 })
	waitFor(t, "pong", func() bool { return fs.pongCount() == 1 })

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.events[0] != HandshakeEvent {
		t.Errorf("first event %q, want the handshake confirmation", log.events[0])
	}
	if log.events[1] != AlertEvent || !strings.Contains(log.bodies[1], "Haifa") {
		t.Errorf("alert event %q %s", log.events[1], log.bodies[1])
	}
	if log.events[2] != AlertEvent || !strings.Contains(log.bodies[2], "Akko") {
		t.Errorf("namespaced event with ack id not parsed: %q %s", log.events[2], log.bodies[2])
	}
	if log.events[3] != "heartbeat" || log.bodies[3] != "null" {
		t.Errorf("argument-less event %q %s", log.events[3], log.bodies[3])
	}
}

func TestSocketIOSessionEndsWhenServerCloses(t *testing.T) {
	fs, srv := newFeedServer(t)
	tr := NewSocketIOTransport(WithDialAttempts(1))

	sess, err := tr.Dial(context.Background(), srv.URL, func(string, []byte) {})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn := fs.awaitConn(t)
	conn.WriteMessage(websocket.TextMessage, []byte("41"))

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after namespace disconnect")
	}
	if !errors.Is(sess.Err(), ErrServerClosed) {
		t.Errorf("session error %v, want ErrServerClosed", sess.Err())
	}
}

func TestSocketIOCloseIsLocal(t *testing.T) {
	fs, srv := newFeedServer(t)
	tr := NewSocketIOTransport(WithDialAttempts(1))

	sess, err := tr.Dial(context.Background(), srv.URL, func(string, []byte) {})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	fs.awaitConn(t)
	sess.Close()
	sess.Close()

	select {
	case <-sess.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	if sess.Err() != nil {
		t.Errorf("locally closed session reported %v", sess.Err())
	}
}

func TestSocketIORejectedConnect(t *testing.T) {
	fs, srv := newFeedServer(t)
	fs.reject = "not authorized"
	tr := NewSocketIOTransport(WithDialAttempts(2), WithRetryDelay(time.Millisecond, time.Millisecond))

	_, err := tr.Dial(context.Background(), srv.URL, func(string, []byte) {})
	if !errors.Is(err, ErrConnectRejected) {
		t.Fatalf("Dial error %v, want ErrConnectRejected", err)
	}
	if !strings.Contains(err.Error(), "2 attempts") {
		t.Errorf("error should report the attempt count: %v", err)
	}
}

func TestSocketIOUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	tr := NewSocketIOTransport(WithDialAttempts(1), WithHandshakeTimeout(time.Second))

	if _, err := tr.Dial(context.Background(), srv.URL, func(string, []byte) {}); err == nil {
		t.Fatal("expected an error for a closed server")
	}
}

func TestConnectionOverSocketIO(t *testing.T) {
	fs, srv := newFeedServer(t)
	tr := NewSocketIOTransport(WithDialAttempts(1))
	c := NewConnection(tr, WithPrimaryURL(srv.URL), WithFallbackURL(""))
	t.Cleanup(c.Close)

	var rec recorder
	dispose := c.Connect(rec.record)
	conn := fs.awaitConn(t)
	waitFor(t, "connected", func() bool { return c.State() == models.ConnectedPrimary })

	conn.WriteMessage(websocket.TextMessage, []byte(`42["alert",{"cities":["Tel Aviv - Yafo","Holon"],"cat":"red alert"}]`))
	waitFor(t, "alert", func() bool { return rec.count() == 1 })

	dispose()
	conn.WriteMessage(websocket.TextMessage, []byte(`42["alert",{"cities":["Haifa"]}]`))
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("alert delivered after dispose: %d", rec.count())
	}
}
