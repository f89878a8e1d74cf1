package api

import (
	"sync"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/models"
)

// DefaultNoticeLimit bounds the notices kept by PromptBoard.
const DefaultNoticeLimit = 20

// Notice is a transient message for the user, such as a failed status update.
type Notice struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// PromptBoard holds what the user should currently see. It is the
// Machine's sink and is read by the HTTP API.
type PromptBoard struct {
	mu      sync.RWMutex
	prompt  models.PromptState
	shownAt time.Time
	notices []Notice
	now     func() time.Time
}

// NewPromptBoard returns an empty board.
func NewPromptBoard() *PromptBoard {
	return &PromptBoard{
		prompt: models.PromptState{Kind: models.PromptIdle},
		now:    time.Now,
	}
}

func (b *PromptBoard) ShowPrompt(p models.PromptState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompt = p
	b.shownAt = b.now()
}

func (b *PromptBoard) HidePrompt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompt = models.PromptState{Kind: models.PromptIdle}
	b.shownAt = time.Time{}
}

func (b *PromptBoard) ShowNotice(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, Notice{Message: msg, At: b.now()})
	if len(b.notices) > DefaultNoticeLimit {
		b.notices = b.notices[len(b.notices)-DefaultNoticeLimit:]
	}
}

// Prompt returns the visible prompt (kind idle when none) and when it was shown.
func (b *PromptBoard) Prompt() (models.PromptState, time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prompt, b.shownAt
}

// Notices returns the retained notices, oldest first.
func (b *PromptBoard) Notices() []Notice {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Notice(nil), b.notices...)
}
