// Package feed maintains the connection to the real-time alarm broadcast feed.
//
// A Connection is a reference-counted resource shared by all subscribers. The
// first subscriber opens it, the last disposal tears it down. While
// subscribers remain, the connection fails over from the primary to the
// fallback endpoint and backs off between rounds, so callers never see
// transport errors.
package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/clock"
	"github.com/BTreeMap/SafeStatus/internal/metrics"
	"github.com/BTreeMap/SafeStatus/internal/models"
)

// Default feed configuration
const (
	DefaultPrimaryURL  = "https://redalert.orielhaim.com"
	DefaultFallbackURL = "https://redalert.auto-host.xyz"
	DefaultBackoff     = 30 * time.Second
)

// DefaultMinSessionLifetime is how long a session must stay up for its loss
// to be redialed at once rather than after a backoff.
const DefaultMinSessionLifetime = 10 * time.Second

// Opts holds configuration options for a Connection.
type Opts struct {
	PrimaryURL         string
	FallbackURL        string
	Backoff            time.Duration
	MinSessionLifetime time.Duration
	Clock              clock.Clock
	OnStateChange      func(models.ConnectionState)
}

// Option defines a configuration option for a Connection.
type Option func(*Opts)

// WithPrimaryURL sets the primary endpoint base URL.
func WithPrimaryURL(u string) Option {
	return func(o *Opts) { o.PrimaryURL = u }
}

// WithFallbackURL sets the fallback endpoint base URL. An empty URL disables failover.
func WithFallbackURL(u string) Option {
	return func(o *Opts) { o.FallbackURL = u }
}

// WithBackoff sets the wait between failed connection rounds.
func WithBackoff(d time.Duration) Option {
	return func(o *Opts) { o.Backoff = d }
}

// WithMinSessionLifetime sets how long a session must last for a drop to be
// redialed immediately. Sessions lost sooner wait out the backoff first.
func WithMinSessionLifetime(d time.Duration) Option {
	return func(o *Opts) { o.MinSessionLifetime = d }
}

// WithClock sets the clock that drives the backoff wait.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithStateHook registers fn to observe state changes. fn runs with the
// connection's lock held and must not call back into the Connection.
func WithStateHook(fn func(models.ConnectionState)) Option {
	return func(o *Opts) { o.OnStateChange = fn }
}

type subscriber struct {
	id     uint64
	fn     func(models.BroadcastAlert)
	active atomic.Bool
}

// Connection is a shared, reference-counted feed connection.
type Connection struct {
	transport     Transport
	primary       string
	fallback      string
	backoff       time.Duration
	minLifetime   time.Duration
	clock         clock.Clock
	onStateChange func(models.ConnectionState)

	mu       sync.Mutex
	subs     map[uint64]*subscriber
	nextID   uint64
	state    models.ConnectionState
	gen      uint64 // bumped whenever a lifecycle starts or is torn down
	tokenSeq uint64
	live     uint64 // token of the session whose frames are delivered, 0 for none
	session  Session
	upSince  time.Time // when the live session connected
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConnection creates an idle Connection over transport.
func NewConnection(transport Transport, opts ...Option) *Connection {
	cfg := Opts{
		PrimaryURL:         DefaultPrimaryURL,
		FallbackURL:        DefaultFallbackURL,
		Backoff:            DefaultBackoff,
		MinSessionLifetime: DefaultMinSessionLifetime,
		Clock:              clock.Real(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Connection.NewConnection", "primary", cfg.PrimaryURL, "fallback", cfg.FallbackURL, "backoff", cfg.Backoff)
	metrics.SetConnectionState(models.Disconnected)
	return &Connection{
		transport:     transport,
		primary:       cfg.PrimaryURL,
		fallback:      cfg.FallbackURL,
		backoff:       cfg.Backoff,
		minLifetime:   cfg.MinSessionLifetime,
		clock:         cfg.Clock,
		onStateChange: cfg.OnStateChange,
		subs:          make(map[uint64]*subscriber),
	}
}

// Connect registers onAlert and opens the connection if it is the first
// subscriber. The returned dispose function deregisters onAlert and, when no
// subscribers remain, tears the connection down before returning. After
// dispose returns onAlert is not called again. Calling dispose twice is a no-op.
func (c *Connection) Connect(onAlert func(models.BroadcastAlert)) (dispose func()) {
	c.mu.Lock()
	c.nextID++
	s := &subscriber{id: c.nextID, fn: onAlert}
	s.active.Store(true)
	c.subs[s.id] = s
	count := len(c.subs)
	if c.cancel == nil {
		c.startLocked()
	}
	c.mu.Unlock()

	slog.Debug("Connection.Connect: subscriber added", "id", s.id, "subscribers", count)

	var once sync.Once
	return func() {
		once.Do(func() { c.dispose(s) })
	}
}

// State returns the current connection state.
func (c *Connection) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribers returns the number of registered subscribers.
func (c *Connection) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close drops every subscriber, tears the connection down and waits for the
// connection goroutine to exit.
func (c *Connection) Close() {
	c.mu.Lock()
	for id, s := range c.subs {
		s.active.Store(false)
		delete(c.subs, id)
	}
	sess, done := c.teardownLocked()
	c.mu.Unlock()

	closeSession(sess)
	if done != nil {
		<-done
	}
	slog.Info("Connection.Close: feed connection closed")
}

func (c *Connection) dispose(s *subscriber) {
	s.active.Store(false)

	c.mu.Lock()
	delete(c.subs, s.id)
	remaining := len(c.subs)
	var sess Session
	if remaining == 0 {
		sess, _ = c.teardownLocked()
	}
	c.mu.Unlock()

	closeSession(sess)
	slog.Debug("Connection.dispose: subscriber removed", "id", s.id, "subscribers", remaining)
}

func (c *Connection) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.gen++
	c.done = make(chan struct{})
	c.setStateLocked(models.ConnectingPrimary)
	go c.run(ctx, c.gen, c.done)
}

// teardownLocked ends the current lifecycle. The returned session must be
// closed by the caller once the lock is released.
func (c *Connection) teardownLocked() (Session, chan struct{}) {
	if c.cancel == nil {
		return nil, nil
	}
	c.cancel()
	c.cancel = nil
	c.gen++
	c.live = 0
	sess := c.session
	c.session = nil
	done := c.done
	c.done = nil
	c.setStateLocked(models.Disconnected)
	return sess, done
}

func closeSession(sess Session) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		slog.Debug("Connection: session close error", "error", err)
	}
}

func (c *Connection) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	for {
		sess, err := c.dial(ctx, gen, c.primary, models.ConnectedPrimary)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.DialFailed("primary")
			slog.Warn("Connection.run: primary endpoint failed", "endpoint", c.primary, "error", err)

			if c.fallback == "" {
				sess = nil
			} else {
				if !c.transition(gen, models.ConnectingFallback) {
					return
				}
				sess, err = c.dial(ctx, gen, c.fallback, models.ConnectedFallback)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					metrics.DialFailed("fallback")
					slog.Warn("Connection.run: fallback endpoint failed", "endpoint", c.fallback, "error", err)
					sess = nil
				}
			}

			if sess == nil {
				if !c.backOff(ctx, gen) {
					return
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		lived := c.clock.Now().Sub(c.upSince)
		c.live = 0
		c.session = nil
		c.mu.Unlock()

		if lived < c.minLifetime {
			slog.Warn("Connection.run: session lost shortly after connecting", "lived", lived, "error", sess.Err())
			if !c.backOff(ctx, gen) {
				return
			}
			continue
		}
		if !c.transition(gen, models.ConnectingPrimary) {
			return
		}
		slog.Warn("Connection.run: session lost, reconnecting", "lived", lived, "error", sess.Err())
	}
}

// backOff waits out the backoff interval and moves back to ConnectingPrimary.
// It returns false when the lifecycle ended meanwhile.
func (c *Connection) backOff(ctx context.Context, gen uint64) bool {
	if !c.transition(gen, models.BackoffWait) {
		return false
	}
	slog.Info("Connection.run: backing off", "wait", c.backoff)
	if err := clock.Wait(ctx, c.clock, c.backoff); err != nil {
		return false
	}
	return c.transition(gen, models.ConnectingPrimary)
}

// dial opens a session and, if the lifecycle is still current, makes it live.
func (c *Connection) dial(ctx context.Context, gen uint64, endpoint string, connected models.ConnectionState) (Session, error) {
	c.mu.Lock()
	c.tokenSeq++
	token := c.tokenSeq
	c.mu.Unlock()

	slog.Debug("Connection.dial", "endpoint", endpoint, "token", token)
	sess, err := c.transport.Dial(ctx, endpoint, c.handlerFor(gen, token))
	if err != nil {
		c.mu.Lock()
		if c.live == token {
			c.live = 0
		}
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		closeSession(sess)
		return nil, context.Canceled
	}
	c.session = sess
	c.live = token
	c.upSince = c.clock.Now()
	c.setStateLocked(connected)
	c.mu.Unlock()
	return sess, nil
}

// handlerFor builds the event handler for the session identified by token.
// Frames are delivered only while that session is the live one, which keeps
// frames seen before the handshake completed, or after teardown, away from
// subscribers. The session becomes live on HandshakeEvent, or when Dial
// returns for transports that do not emit it.
func (c *Connection) handlerFor(gen, token uint64) EventHandler {
	return func(event string, payload []byte) {
		if event == HandshakeEvent {
			c.mu.Lock()
			if c.gen == gen {
				c.live = token
			}
			c.mu.Unlock()
			return
		}
		if event != AlertEvent {
			slog.Debug("Connection: ignoring feed event", "event", event)
			return
		}
		alert, err := DecodeAlert(payload)
		metrics.FrameDecoded(err == nil)
		if err != nil {
			slog.Warn("Connection: dropping malformed alert frame", "error", err)
			return
		}

		c.mu.Lock()
		if c.live != token {
			c.mu.Unlock()
			slog.Debug("Connection: dropping frame from inactive session", "token", token)
			return
		}
		subs := make([]*subscriber, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

		for _, s := range subs {
			if s.active.Load() {
				s.fn(alert.Clone())
			}
		}
	}
}

func (c *Connection) transition(gen uint64, next models.ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.setStateLocked(next)
	return true
}

func (c *Connection) setStateLocked(next models.ConnectionState) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	slog.Info("Connection state changed", "from", prev, "to", next)
	metrics.SetConnectionState(next)
	if c.onStateChange != nil {
		c.onStateChange(next)
	}
}
