// Package alerts provides the in-process alert bus.
//
// The bus records every published alert in a bounded history and multicasts
// it to subscribers. It never suppresses duplicates; deduplication for
// prompting happens in the flow package.
package alerts

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/clock"
	"github.com/BTreeMap/SafeStatus/internal/metrics"
	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/google/uuid"
)

const (
	// DefaultHistoryLimit is the number of records retained in history.
	DefaultHistoryLimit = 50
	// DefaultCurrentTTL is how long the latest alert is reported as current.
	DefaultCurrentTTL = 5 * time.Minute
)

// Handler receives published alert records.
type Handler func(models.AlertRecord)

// Opts holds configuration options for the Bus.
type Opts struct {
	HistoryLimit int
	CurrentTTL   time.Duration
	Clock        clock.Clock
}

// Option defines a configuration option for the Bus.
type Option func(*Opts)

// WithHistoryLimit overrides the history cap.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithCurrentTTL overrides how long an alert stays current.
func WithCurrentTTL(d time.Duration) Option {
	return func(o *Opts) { o.CurrentTTL = d }
}

// WithClock sets the clock used for timestamps and the current-alert timer.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

type subscriber struct {
	id     uint64
	fn     Handler
	active atomic.Bool
}

// Bus is the alert publish/subscribe hub. It is safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	subs     map[uint64]*subscriber
	nextID   uint64
	history  []models.AlertRecord // oldest first
	limit    int
	queue    []models.AlertRecord
	draining bool

	clock        clock.Clock
	currentTTL   time.Duration
	current      *models.AlertRecord
	currentTimer clock.Timer
}

// NewBus creates a Bus with the given options.
func NewBus(opts ...Option) *Bus {
	cfg := Opts{
		HistoryLimit: DefaultHistoryLimit,
		CurrentTTL:   DefaultCurrentTTL,
		Clock:        clock.Real(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	slog.Debug("Bus.NewBus", "history_limit", cfg.HistoryLimit, "current_ttl", cfg.CurrentTTL)
	return &Bus{
		subs:       make(map[uint64]*subscriber),
		limit:      cfg.HistoryLimit,
		clock:      cfg.Clock,
		currentTTL: cfg.CurrentTTL,
	}
}

// Publish records a feed alert and delivers it to all subscribers.
func (b *Bus) Publish(alert models.BroadcastAlert) models.AlertRecord {
	return b.PublishFrom(models.AlertSourceFeed, alert)
}

// PublishFrom records alert with the given source and delivers it.
//
// Records are delivered in publish order. A publish made while another
// delivery is in progress (including from inside a handler) is queued and
// delivered by the goroutine already draining the queue.
func (b *Bus) PublishFrom(source string, alert models.BroadcastAlert) models.AlertRecord {
	rec := models.AlertRecord{
		ID:         uuid.NewString(),
		Alert:      alert.Clone(),
		ReceivedAt: b.clock.Now(),
		Source:     source,
	}

	b.mu.Lock()
	b.appendLocked(rec)
	b.setCurrentLocked(rec)
	b.queue = append(b.queue, rec)
	metrics.AlertPublished(source)
	slog.Debug("Bus.PublishFrom: recorded alert", "id", rec.ID, "source", source, "areas", len(rec.Alert.Areas), "history", len(b.history))

	if b.draining {
		b.mu.Unlock()
		return rec
	}
	b.draining = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		subs := b.snapshotLocked()
		b.mu.Unlock()

		for _, s := range subs {
			if s.active.Load() {
				s.fn(next)
			}
		}

		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()
	return rec
}

// Subscribe registers fn and returns a function that removes it.
// Both operations are O(1) and may be called from inside a handler.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	s := &subscriber{id: b.nextID, fn: fn}
	s.active.Store(true)
	b.subs[s.id] = s
	count := len(b.subs)
	b.mu.Unlock()

	slog.Debug("Bus.Subscribe", "id", s.id, "subscribers", count)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Store(false)
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
			slog.Debug("Bus.Subscribe: unsubscribed", "id", s.id)
		})
	}
}

// History returns the retained records, most recent first.
func (b *Bus) History() []models.AlertRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.AlertRecord, len(b.history))
	for i, rec := range b.history {
		out[len(b.history)-1-i] = rec
	}
	return out
}

// Seed loads previously persisted records (most recent first) into history
// without delivering them.
func (b *Bus) Seed(records []models.AlertRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(records) - 1; i >= 0; i-- {
		b.appendLocked(records[i])
	}
	slog.Debug("Bus.Seed", "seeded", len(records), "history", len(b.history))
}

// Current returns the latest alert while it is still current.
func (b *Bus) Current() (models.AlertRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return models.AlertRecord{}, false
	}
	return *b.current, true
}

// ClearCurrent forgets the current alert.
func (b *Bus) ClearCurrent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearCurrentLocked()
}

// Stop cancels the current-alert timer.
func (b *Bus) Stop() {
	b.ClearCurrent()
}

func (b *Bus) appendLocked(rec models.AlertRecord) {
	if len(b.history) >= b.limit {
		drop := len(b.history) - b.limit + 1
		b.history = append(b.history[:0], b.history[drop:]...)
	}
	b.history = append(b.history, rec)
}

func (b *Bus) setCurrentLocked(rec models.AlertRecord) {
	b.clearCurrentLocked()
	b.current = &rec
	if b.currentTTL <= 0 {
		return
	}
	id := rec.ID
	b.currentTimer = b.clock.AfterFunc(b.currentTTL, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.current != nil && b.current.ID == id {
			b.current = nil
			b.currentTimer = nil
			slog.Debug("Bus: current alert expired", "id", id)
		}
	})
}

func (b *Bus) clearCurrentLocked() {
	if b.currentTimer != nil {
		b.currentTimer.Stop()
		b.currentTimer = nil
	}
	b.current = nil
}

func (b *Bus) snapshotLocked() []*subscriber {
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}
