package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/clock"
	"github.com/BTreeMap/SafeStatus/internal/metrics"
	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/BTreeMap/SafeStatus/internal/relevance"
)

// ErrNoActivePrompt is returned by Respond when no prompt is visible.
var ErrNoActivePrompt = errors.New("no active prompt")

// DefaultEffectTimeout bounds each profile store or notifier call.
const DefaultEffectTimeout = 10 * time.Second

// ProfileStore is the user profile service the machine consults.
type ProfileStore interface {
	GetCity(ctx context.Context) (string, error)
	GetStatus(ctx context.Context) (models.UserStatus, error)
	SetStatus(ctx context.Context, status models.UserStatus) error
}

// Sink renders prompts. Implementations must not call back into the
// Machine synchronously.
type Sink interface {
	ShowPrompt(p models.PromptState)
	HidePrompt()
}

// NoticeSink is implemented by sinks that can show transient notices, such
// as a failed status update.
type NoticeSink interface {
	ShowNotice(msg string)
}

// Notifier delivers best-effort platform notifications.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Opts holds configuration for a Machine.
type Opts struct {
	Config        Config
	Clock         clock.Clock
	Timer         Timer
	Notifier      Notifier
	StateManager  StateManager
	EffectTimeout time.Duration
}

// Option configures a Machine.
type Option func(*Opts)

// WithFollowUpDelay sets the delay between the shelter prompt and the safety check.
func WithFollowUpDelay(d time.Duration) Option {
	return func(o *Opts) { o.Config.FollowUpDelay = d }
}

// WithDedupWindow sets how long a finished cycle's alert stays deduplicated.
func WithDedupWindow(d time.Duration) Option {
	return func(o *Opts) { o.Config.DedupWindow = d }
}

// WithClock sets the time source. The default timer is built on it.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithTimer overrides the follow-up timer.
func WithTimer(t Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithNotifier enables platform notifications.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithStateManager enables persistence of the workflow state.
func WithStateManager(sm StateManager) Option {
	return func(o *Opts) { o.StateManager = sm }
}

// WithEffectTimeout bounds each profile store and notifier call.
func WithEffectTimeout(d time.Duration) Option {
	return func(o *Opts) { o.EffectTimeout = d }
}

// Machine drives the prompt workflow. Events are processed one at a time:
// a transition and all of its effects complete before the next event is
// evaluated.
type Machine struct {
	profiles ProfileStore
	sink     Sink
	cfg      Config
	clock    clock.Clock
	timer    Timer
	notifier Notifier
	states   StateManager
	timeout  time.Duration

	mu            sync.Mutex
	state         State
	followUpID    string
	followUpCycle uint64
	stopped       bool
}

// NewMachine creates an idle Machine.
func NewMachine(profiles ProfileStore, sink Sink, opts ...Option) *Machine {
	cfg := Opts{Config: DefaultConfig(), EffectTimeout: DefaultEffectTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Timer == nil {
		cfg.Timer = NewSimpleTimer(cfg.Clock)
	}
	if cfg.EffectTimeout <= 0 {
		cfg.EffectTimeout = DefaultEffectTimeout
	}
	slog.Debug("flow.NewMachine", "followUpDelay", cfg.Config.FollowUpDelay, "dedupWindow", cfg.Config.DedupWindow,
		"notifier", cfg.Notifier != nil, "persistent", cfg.StateManager != nil)
	return &Machine{
		profiles: profiles,
		sink:     sink,
		cfg:      cfg.Config,
		clock:    cfg.Clock,
		timer:    cfg.Timer,
		notifier: cfg.Notifier,
		states:   cfg.StateManager,
		timeout:  cfg.EffectTimeout,
		state:    IdleState(),
	}
}

// HandleAlert evaluates a broadcast alert for the user's city. It reports
// whether the alert started a new prompt cycle.
func (m *Machine) HandleAlert(ctx context.Context, alert models.BroadcastAlert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	city, err := m.profiles.GetCity(cctx)
	cancel()
	if err != nil {
		slog.Warn("Machine.HandleAlert: city lookup failed, alert ignored", "error", err)
		return false
	}
	if !relevance.IsRelevant(alert.Areas, city) {
		slog.Debug("Machine.HandleAlert: alert not relevant", "city", city, "areas", len(alert.Areas))
		return false
	}

	before := m.state.Cycle
	m.dispatchLocked(ctx, AlertReceived{Alert: alert, At: m.clock.Now()})
	accepted := m.state.Cycle != before
	if !accepted {
		slog.Debug("Machine.HandleAlert: duplicate alert ignored", "identity", alert.Identity())
	}
	return accepted
}

// HandleRecord adapts HandleAlert to alerts.Bus subscriptions.
func (m *Machine) HandleRecord(rec models.AlertRecord) {
	m.HandleAlert(context.Background(), rec.Alert)
}

// Respond applies the user's answer to the visible prompt. It returns
// ErrNoActivePrompt when nothing is shown; the state is unchanged then.
func (m *Machine) Respond(ctx context.Context, action models.ResponseAction) error {
	switch action {
	case models.ActionShelter, models.ActionSafe, models.ActionDismiss:
	default:
		return fmt.Errorf("%w: %q", models.ErrUnknownAction, action)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.state.Prompt.IsVisible() {
		return ErrNoActivePrompt
	}
	slog.Info("Machine.Respond", "action", action, "prompt", m.state.Prompt.Kind, "cycle", m.state.Cycle)
	m.dispatchLocked(ctx, UserResponded{Action: action, At: m.clock.Now()})
	return nil
}

// RespondShelter records that the user entered a shelter.
func (m *Machine) RespondShelter(ctx context.Context) error {
	return m.Respond(ctx, models.ActionShelter)
}

// RespondSafe records that the user is safe.
func (m *Machine) RespondSafe(ctx context.Context) error {
	return m.Respond(ctx, models.ActionSafe)
}

// Dismiss closes the visible prompt without an answer.
func (m *Machine) Dismiss(ctx context.Context) error {
	return m.Respond(ctx, models.ActionDismiss)
}

// State returns a copy of the current workflow state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Alert = s.Alert.Clone()
	s.Prompt = promptCopy(s.Prompt)
	return s
}

// Prompt returns the prompt currently shown to the user.
func (m *Machine) Prompt() models.PromptState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return promptCopy(m.state.Prompt)
}

// PendingFollowUp reports when the safety check is due, if one is scheduled.
func (m *Machine) PendingFollowUp() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.FollowUpDueAt, m.state.FollowUpPending
}

// Restore reloads the saved workflow state. A visible prompt is shown again
// and a pending follow-up is rescheduled for its remaining time.
func (m *Machine) Restore(ctx context.Context) error {
	if m.states == nil {
		return nil
	}
	s, ok, err := m.states.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load prompt state: %w", err)
	}
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelFollowUpLocked()
	m.state = s
	if s.Prompt.IsVisible() {
		m.sink.ShowPrompt(promptCopy(s.Prompt))
		metrics.PromptShown(s.Prompt.Kind)
	}
	if s.FollowUpPending {
		cycle := s.Cycle
		id, err := m.timer.ScheduleAt(s.FollowUpDueAt, func() { m.onFollowUp(cycle) })
		m.trackFollowUpLocked(cycle, id, err)
	}
	slog.Info("Machine.Restore: prompt state restored", "prompt", s.Prompt.Kind, "cycle", s.Cycle,
		"followUpPending", s.FollowUpPending, "followUpDueAt", s.FollowUpDueAt)
	return nil
}

// FollowUpTimer describes the scheduled safety check timer, if any.
func (m *Machine) FollowUpTimer() (models.TimerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.followUpID == "" {
		return models.TimerInfo{}, false
	}
	info, err := m.timer.GetTimer(m.followUpID)
	if err != nil {
		return models.TimerInfo{}, false
	}
	return *info, true
}

// Stop stops the machine's timer. Later events are ignored.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.timer.Stop()
	m.followUpID = ""
	m.followUpCycle = 0
}

func (m *Machine) onFollowUp(cycle uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.followUpCycle == cycle {
		m.followUpID = ""
		m.followUpCycle = 0
	}
	m.dispatchLocked(context.Background(), FollowUpElapsed{Cycle: cycle, At: m.clock.Now()})
}

func (m *Machine) dispatchLocked(ctx context.Context, ev Event) {
	prev := m.state
	next, effects := Transition(prev, ev, m.cfg)
	if len(effects) == 0 {
		return
	}
	m.state = next
	slog.Debug("Machine.dispatch", "event", fmt.Sprintf("%T", ev), "from", prev.Prompt.Kind, "to", next.Prompt.Kind,
		"cycle", next.Cycle, "effects", len(effects))

	for _, eff := range effects {
		m.applyLocked(ctx, eff)
	}
	m.saveLocked(ctx)
}

func (m *Machine) applyLocked(ctx context.Context, eff Effect) {
	switch e := eff.(type) {
	case CancelFollowUp:
		if m.followUpCycle == e.Cycle {
			m.cancelFollowUpLocked()
		}
	case ScheduleFollowUp:
		m.scheduleFollowUpLocked(e.Cycle, e.Delay)
	case ShowPrompt:
		m.sink.ShowPrompt(promptCopy(e.Prompt))
		metrics.PromptShown(e.Prompt.Kind)
	case HidePrompt:
		m.sink.HidePrompt()
		if e.Reason == models.PromptDismissed {
			metrics.PromptShown(models.PromptDismissed)
		}
	case RequestStatus:
		m.requestStatusLocked(ctx, e.Status)
	case SendNotification:
		m.notifyLocked(ctx, e.Notification)
	}
}

func (m *Machine) scheduleFollowUpLocked(cycle uint64, delay time.Duration) {
	m.cancelFollowUpLocked()
	id, err := m.timer.ScheduleAfter(delay, func() { m.onFollowUp(cycle) })
	m.trackFollowUpLocked(cycle, id, err)
}

func (m *Machine) trackFollowUpLocked(cycle uint64, id string, err error) {
	if err != nil {
		slog.Error("Machine: failed to schedule follow-up", "error", err, "cycle", cycle)
		return
	}
	m.followUpID = id
	m.followUpCycle = cycle
	slog.Debug("Machine: follow-up scheduled", "cycle", cycle, "timerID", id)
}

func (m *Machine) cancelFollowUpLocked() {
	if m.followUpID == "" {
		return
	}
	if err := m.timer.Cancel(m.followUpID); err != nil {
		slog.Warn("Machine: failed to cancel follow-up", "error", err, "timerID", m.followUpID)
	}
	m.followUpID = ""
	m.followUpCycle = 0
}

// requestStatusLocked forwards a status change. Failures are reported but
// never undo the transition that requested them.
func (m *Machine) requestStatusLocked(ctx context.Context, status models.UserStatus) {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.profiles.SetStatus(cctx, status)
	metrics.StatusRequested(status, err)
	if err == nil {
		slog.Info("Machine: status updated", "status", status)
		return
	}
	slog.Error("Machine: status update failed", "error", err, "status", status)
	if ns, ok := m.sink.(NoticeSink); ok {
		ns.ShowNotice(fmt.Sprintf("status update to %s failed, please try again", status))
	}
}

func (m *Machine) notifyLocked(ctx context.Context, n models.Notification) {
	if m.notifier == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.notifier.Notify(cctx, n)
	metrics.NotificationSent(err)
	if err != nil {
		slog.Warn("Machine: platform notification failed", "error", err, "title", n.Title)
	}
}

func (m *Machine) saveLocked(ctx context.Context) {
	if m.states == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.states.SaveState(cctx, m.state, m.clock.Now()); err != nil {
		slog.Error("Machine: failed to save prompt state", "error", err, "cycle", m.state.Cycle)
	}
}

func promptCopy(p models.PromptState) models.PromptState {
	a := p.Alert.Clone()
	return models.PromptState{Kind: p.Kind, Alert: a, Areas: a.Areas}
}
