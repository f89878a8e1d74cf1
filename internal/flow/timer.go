package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/clock"
	"github.com/BTreeMap/SafeStatus/internal/models"
)

// Timer schedules cancellable one-shot callbacks.
type Timer interface {
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	ScheduleAt(when time.Time, fn func()) (string, error)
	Cancel(id string) error
	Stop()
	GetTimer(id string) (*models.TimerInfo, error)
}

// timerEntry tracks information about a scheduled timer
type timerEntry struct {
	timer       clock.Timer
	scheduledAt time.Time
	expiresAt   time.Time
	description string
}

// SimpleTimer implements Timer on top of a clock.Clock.
type SimpleTimer struct {
	clock  clock.Clock
	timers map[string]*timerEntry
	mu     sync.Mutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer driven by c.
func NewSimpleTimer(c clock.Clock) *SimpleTimer {
	slog.Debug("Creating SimpleTimer")
	return &SimpleTimer{
		clock:  c,
		timers: make(map[string]*timerEntry),
	}
}

// ScheduleAfter schedules fn to run after delay. fn does not run if the
// timer is cancelled first, even when cancellation races with expiry.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("timer callback cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	now := t.clock.Now()
	entry := &timerEntry{
		scheduledAt: now,
		expiresAt:   now.Add(delay),
		description: fmt.Sprintf("Timer scheduled for %v", delay),
	}
	t.timers[id] = entry
	entry.timer = t.clock.AfterFunc(delay, func() {
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if !live {
			slog.Debug("SimpleTimer skipping cancelled timer", "id", id)
			return
		}
		slog.Debug("SimpleTimer executing scheduled function", "id", id)
		fn()
	})

	slog.Debug("SimpleTimer ScheduleAfter", "id", id, "delay", delay)
	return id, nil
}

// ScheduleAt schedules fn to run at when; past times run on the next tick.
func (t *SimpleTimer) ScheduleAt(when time.Time, fn func()) (string, error) {
	delay := when.Sub(t.clock.Now())
	if delay < 0 {
		slog.Debug("SimpleTimer ScheduleAt: time is in the past, scheduling immediately", "when", when)
		delay = 0
	}
	return t.ScheduleAfter(delay, fn)
}

// Cancel cancels a scheduled function by ID. Unknown IDs are ignored.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[id]; exists {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer Cancel succeeded", "id", id)
		return nil
	}

	slog.Debug("SimpleTimer Cancel: timer not found", "id", id)
	return nil
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	slog.Debug("SimpleTimer stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
}

// GetTimer returns information about a specific timer by ID.
func (t *SimpleTimer) GetTimer(id string) (*models.TimerInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.timers[id]
	if !exists {
		return nil, fmt.Errorf("timer with ID %s not found", id)
	}
	info := timerInfo(id, entry, t.clock.Now())
	return &info, nil
}

func timerInfo(id string, entry *timerEntry, now time.Time) models.TimerInfo {
	remaining := entry.expiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return models.TimerInfo{
		ID:          id,
		ScheduledAt: entry.scheduledAt,
		ExpiresAt:   entry.expiresAt,
		Remaining:   remaining.String(),
		Description: entry.description,
	}
}
