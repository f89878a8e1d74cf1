package models

import (
	"fmt"
	"strings"
	"time"
)

// UserStatus is the safety status a user shares with their contacts.
type UserStatus string

const (
	StatusUnknown   UserStatus = "unknown"
	StatusSafe      UserStatus = "safe"
	StatusInShelter UserStatus = "in_shelter"
)

// IsValidUserStatus reports whether s is one of the known statuses.
func IsValidUserStatus(s UserStatus) bool {
	switch s {
	case StatusUnknown, StatusSafe, StatusInShelter:
		return true
	default:
		return false
	}
}

// PromptKind identifies which prompt, if any, is shown to the user.
type PromptKind string

const (
	PromptIdle        PromptKind = "idle"
	PromptShelter     PromptKind = "shelter"
	PromptSafetyCheck PromptKind = "safety_check"
	// PromptDismissed is transient: it is reported when a prompt is closed
	// without an answer and collapses to PromptIdle in the same step.
	PromptDismissed PromptKind = "dismissed"
)

// PromptState is the disposition of the notification workflow.
type PromptState struct {
	Kind  PromptKind     `json:"kind"`
	Alert BroadcastAlert `json:"alert"`
	Areas []string       `json:"areas,omitempty"`
}

// IsVisible reports whether the state carries a prompt the user should see.
func (p PromptState) IsVisible() bool {
	return p.Kind == PromptShelter || p.Kind == PromptSafetyCheck
}

// ResponseAction is a user answer to a prompt.
type ResponseAction string

const (
	ActionShelter ResponseAction = "shelter"
	ActionSafe    ResponseAction = "safe"
	ActionDismiss ResponseAction = "dismiss"
)

// ParseResponseAction maps free text (API bodies, chat replies) to an action.
func ParseResponseAction(text string) (ResponseAction, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "1", "shelter", "in_shelter", "in shelter", "מקלט", "במקלט", "במרחב מוגן":
		return ActionShelter, nil
	case "2", "safe", "ok", "בטוח", "אני בטוח", "אני בטוחה", "בסדר", "אני בסדר":
		return ActionSafe, nil
	case "0", "dismiss", "close", "סגור":
		return ActionDismiss, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, text)
	}
}

// Notification is a best-effort platform notification mirroring a prompt.
// Kind is the prompt the notification mirrors.
type Notification struct {
	Kind  PromptKind `json:"kind"`
	Title string     `json:"title"`
	Body  string     `json:"body"`
	Tag   string     `json:"tag,omitempty"`
}

// PromptSnapshot is the persisted form of the prompt workflow, used to
// resume after a restart.
type PromptSnapshot struct {
	Kind            PromptKind     `json:"kind"`
	Alert           BroadcastAlert `json:"alert"`
	Identity        AlertIdentity  `json:"identity"`
	Cycle           uint64         `json:"cycle"`
	AcceptedAt      time.Time      `json:"accepted_at"`
	FollowUpPending bool           `json:"follow_up_pending"`
	FollowUpDueAt   time.Time      `json:"follow_up_due_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
