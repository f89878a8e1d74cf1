package flow

import (
	"context"
	"sync"

	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/BTreeMap/SafeStatus/internal/store"
)

// NewMockStateManager creates a state manager over an in-memory store.
func NewMockStateManager() StateManager {
	return NewStoreBasedStateManager(store.NewInMemoryStore(), "test-profile")
}

// MockProfileStore is an in-memory ProfileStore that records status requests.
type MockProfileStore struct {
	mu        sync.Mutex
	City      string
	Status    models.UserStatus
	Requests  []models.UserStatus
	SetErr    error
	GetCityFn func() (string, error)
}

func (p *MockProfileStore) GetCity(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.GetCityFn != nil {
		return p.GetCityFn()
	}
	return p.City, nil
}

func (p *MockProfileStore) GetStatus(ctx context.Context) (models.UserStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status == "" {
		return models.StatusUnknown, nil
	}
	return p.Status, nil
}

func (p *MockProfileStore) SetStatus(ctx context.Context, status models.UserStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, status)
	if p.SetErr != nil {
		return p.SetErr
	}
	p.Status = status
	return nil
}

// StatusRequests returns a copy of the requested statuses.
func (p *MockProfileStore) StatusRequests() []models.UserStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.UserStatus(nil), p.Requests...)
}

// MockSink records prompts and notices.
type MockSink struct {
	mu      sync.Mutex
	Shown   []models.PromptState
	Hidden  int
	Notices []string
	Visible bool
}

func (s *MockSink) ShowPrompt(p models.PromptState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Shown = append(s.Shown, p)
	s.Visible = true
}

func (s *MockSink) HidePrompt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Hidden++
	s.Visible = false
}

func (s *MockSink) ShowNotice(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Notices = append(s.Notices, msg)
}

// ShownKinds returns the kinds of every prompt shown so far.
func (s *MockSink) ShownKinds() []models.PromptKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]models.PromptKind, len(s.Shown))
	for i, p := range s.Shown {
		kinds[i] = p.Kind
	}
	return kinds
}

// MockNotifier records notifications.
type MockNotifier struct {
	mu   sync.Mutex
	Sent []models.Notification
	Err  error
}

func (n *MockNotifier) Notify(ctx context.Context, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, note)
	return n.Err
}

// Titles returns the titles of every notification sent so far.
func (n *MockNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	titles := make([]string, len(n.Sent))
	for i, s := range n.Sent {
		titles[i] = s.Title
	}
	return titles
}
