// Package flow drives the two-phase prompt workflow for relevant alerts.
//
// A relevant alert raises a shelter prompt and schedules a follow-up. When
// the follow-up elapses the user is asked to confirm they are safe. The
// workflow logic lives in Transition, a pure function; Machine applies the
// effects it returns against timers, sinks and the profile store.
package flow

import (
	"time"

	"github.com/BTreeMap/SafeStatus/internal/models"
)

// Default workflow timing
const (
	DefaultFollowUpDelay = 10 * time.Minute
	DefaultDedupWindow   = 30 * time.Minute
)

// Config holds the timing parameters of the prompt cycle.
type Config struct {
	// FollowUpDelay is the time between the shelter prompt and the safety check.
	FollowUpDelay time.Duration
	// DedupWindow is how long after acceptance a repeat of the same alert
	// identity stays ignored once its cycle has finished. Zero or negative
	// means repeats are ignored until a different alert arrives.
	DedupWindow time.Duration
}

// DefaultConfig returns the standard cycle timing.
func DefaultConfig() Config {
	return Config{FollowUpDelay: DefaultFollowUpDelay, DedupWindow: DefaultDedupWindow}
}

// State is the full workflow state. Prompt is what the user sees; the other
// fields describe the cycle of the most recently accepted alert.
type State struct {
	Prompt          models.PromptState
	Alert           models.BroadcastAlert
	Identity        models.AlertIdentity
	Cycle           uint64
	AcceptedAt      time.Time
	FollowUpPending bool
	FollowUpDueAt   time.Time
}

// IdleState is the initial workflow state.
func IdleState() State {
	return State{Prompt: models.PromptState{Kind: models.PromptIdle}}
}

// Event is an input to Transition.
type Event interface{ isEvent() }

// AlertReceived is a relevant alert.
type AlertReceived struct {
	Alert models.BroadcastAlert
	At    time.Time
}

// FollowUpElapsed fires when the follow-up timer of Cycle runs out.
type FollowUpElapsed struct {
	Cycle uint64
	At    time.Time
}

// UserResponded carries the user's answer to the visible prompt.
type UserResponded struct {
	Action models.ResponseAction
	At     time.Time
}

func (AlertReceived) isEvent()   {}
func (FollowUpElapsed) isEvent() {}
func (UserResponded) isEvent()   {}

// Effect is a side effect requested by Transition.
type Effect interface{ isEffect() }

// CancelFollowUp cancels the pending follow-up of Cycle.
type CancelFollowUp struct{ Cycle uint64 }

// ScheduleFollowUp starts the follow-up timer of Cycle.
type ScheduleFollowUp struct {
	Cycle uint64
	Delay time.Duration
}

// ShowPrompt replaces whatever prompt is displayed.
type ShowPrompt struct{ Prompt models.PromptState }

// HidePrompt closes the displayed prompt. Reason is PromptDismissed when the
// user closed it without answering and PromptIdle otherwise.
type HidePrompt struct{ Reason models.PromptKind }

// RequestStatus asks the profile store to record a status.
type RequestStatus struct{ Status models.UserStatus }

// SendNotification requests a best-effort platform notification.
type SendNotification struct{ Notification models.Notification }

func (CancelFollowUp) isEffect()   {}
func (ScheduleFollowUp) isEffect() {}
func (ShowPrompt) isEffect()       {}
func (HidePrompt) isEffect()       {}
func (RequestStatus) isEffect()    {}
func (SendNotification) isEffect() {}

// Transition computes the next state and the effects to apply for ev.
// It does not modify s.
func Transition(s State, ev Event, cfg Config) (State, []Effect) {
	switch e := ev.(type) {
	case AlertReceived:
		return onAlert(s, e, cfg)
	case FollowUpElapsed:
		return onFollowUp(s, e)
	case UserResponded:
		return onResponse(s, e)
	}
	return s, nil
}

func onAlert(s State, e AlertReceived, cfg Config) (State, []Effect) {
	id := e.Alert.Identity()
	if s.isDuplicate(id, e.At, cfg) {
		return s, nil
	}

	var effects []Effect
	if s.FollowUpPending {
		effects = append(effects, CancelFollowUp{Cycle: s.Cycle})
	}

	alert := e.Alert.Clone()
	next := State{
		Prompt:          promptFor(models.PromptShelter, alert),
		Alert:           alert,
		Identity:        id,
		Cycle:           s.Cycle + 1,
		AcceptedAt:      e.At,
		FollowUpPending: true,
		FollowUpDueAt:   e.At.Add(cfg.FollowUpDelay),
	}
	effects = append(effects,
		ScheduleFollowUp{Cycle: next.Cycle, Delay: cfg.FollowUpDelay},
		ShowPrompt{Prompt: next.Prompt},
		SendNotification{Notification: ShelterNotification(alert)},
	)
	return next, effects
}

// isDuplicate reports whether an alert with identity id is a repeat of the
// current cycle's alert. Repeats are ignored while the cycle is live (prompt
// shown or follow-up pending) and for DedupWindow after acceptance.
func (s State) isDuplicate(id models.AlertIdentity, at time.Time, cfg Config) bool {
	if s.Cycle == 0 || id != s.Identity {
		return false
	}
	if s.Prompt.IsVisible() || s.FollowUpPending || cfg.DedupWindow <= 0 {
		return true
	}
	return at.Sub(s.AcceptedAt) < cfg.DedupWindow
}

func onFollowUp(s State, e FollowUpElapsed) (State, []Effect) {
	if !s.FollowUpPending || e.Cycle != s.Cycle {
		return s, nil
	}
	next := s
	next.FollowUpPending = false
	next.FollowUpDueAt = time.Time{}
	next.Prompt = promptFor(models.PromptSafetyCheck, s.Alert)
	return next, []Effect{
		ShowPrompt{Prompt: next.Prompt},
		SendNotification{Notification: SafetyCheckNotification(s.Alert)},
	}
}

func onResponse(s State, e UserResponded) (State, []Effect) {
	if !s.Prompt.IsVisible() {
		return s, nil
	}
	next := s
	next.Prompt = models.PromptState{Kind: models.PromptIdle}

	switch e.Action {
	case models.ActionShelter:
		// The safety check still fires to confirm the all-clear.
		return next, []Effect{
			HidePrompt{Reason: models.PromptIdle},
			RequestStatus{Status: models.StatusInShelter},
		}
	case models.ActionSafe:
		var effects []Effect
		if s.FollowUpPending {
			effects = append(effects, CancelFollowUp{Cycle: s.Cycle})
			next.FollowUpPending = false
			next.FollowUpDueAt = time.Time{}
		}
		return next, append(effects,
			HidePrompt{Reason: models.PromptIdle},
			RequestStatus{Status: models.StatusSafe},
		)
	case models.ActionDismiss:
		return next, []Effect{HidePrompt{Reason: models.PromptDismissed}}
	}
	return s, nil
}

func promptFor(kind models.PromptKind, alert models.BroadcastAlert) models.PromptState {
	a := alert.Clone()
	return models.PromptState{Kind: kind, Alert: a, Areas: a.Areas}
}
