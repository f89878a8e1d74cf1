package store

import (
	"sync"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. It is used when no
// database is configured and in tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	profiles  map[string]models.Profile
	alerts    []models.AlertRecord
	alertIDs  map[string]struct{}
	snapshots map[string]models.PromptSnapshot
	inbound   map[string]*DedupRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles:  make(map[string]models.Profile),
		alertIDs:  make(map[string]struct{}),
		snapshots: make(map[string]models.PromptSnapshot),
		inbound:   make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) SaveProfile(p models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetProfile(id string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *InMemoryStore) UpdateProfileStatus(id string, status models.UserStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = at
	s.profiles[id] = p
	return nil
}

func (s *InMemoryStore) AddAlertRecord(r models.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.alertIDs[r.ID]; dup {
		return nil
	}
	r.Alert = r.Alert.Clone()
	s.alertIDs[r.ID] = struct{}{}
	s.alerts = append(s.alerts, r)
	return nil
}

func (s *InMemoryStore) ListAlertRecords(limit int) ([]models.AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.alerts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.AlertRecord, 0, n)
	for i := len(s.alerts) - 1; i >= 0 && len(out) < n; i-- {
		r := s.alerts[i]
		r.Alert = r.Alert.Clone()
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemoryStore) SavePromptSnapshot(profileID string, snap models.PromptSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Alert = snap.Alert.Clone()
	s.snapshots[profileID] = snap
	return nil
}

func (s *InMemoryStore) GetPromptSnapshot(profileID string) (*models.PromptSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[profileID]
	if !ok {
		return nil, nil
	}
	snap.Alert = snap.Alert.Clone()
	return &snap, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, profileID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, ProfileID: profileID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
