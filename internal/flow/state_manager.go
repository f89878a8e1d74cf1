package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/BTreeMap/SafeStatus/internal/store"
)

// StateManager persists the workflow state between restarts.
type StateManager interface {
	// LoadState returns the saved state, or ok=false when none exists.
	LoadState(ctx context.Context) (s State, ok bool, err error)
	SaveState(ctx context.Context, s State, at time.Time) error
}

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store     store.Store
	profileID string
}

// NewStoreBasedStateManager creates a StateManager for one profile.
func NewStoreBasedStateManager(st store.Store, profileID string) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager", "profileID", profileID)
	return &StoreBasedStateManager{store: st, profileID: profileID}
}

// LoadState retrieves the last saved workflow state.
func (sm *StoreBasedStateManager) LoadState(ctx context.Context) (State, bool, error) {
	if err := ctx.Err(); err != nil {
		return State{}, false, err
	}
	snap, err := sm.store.GetPromptSnapshot(sm.profileID)
	if err != nil {
		slog.Error("StateManager LoadState error", "error", err, "profileID", sm.profileID)
		return State{}, false, err
	}
	if snap == nil {
		slog.Debug("StateManager LoadState not found", "profileID", sm.profileID)
		return State{}, false, nil
	}
	slog.Debug("StateManager LoadState found", "profileID", sm.profileID, "kind", snap.Kind, "cycle", snap.Cycle)
	return StateFromSnapshot(*snap), true, nil
}

// SaveState stores the workflow state.
func (sm *StoreBasedStateManager) SaveState(ctx context.Context, s State, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sm.store.SavePromptSnapshot(sm.profileID, SnapshotOf(s, at)); err != nil {
		slog.Error("StateManager SaveState error", "error", err, "profileID", sm.profileID, "kind", s.Prompt.Kind)
		return err
	}
	return nil
}

// SnapshotOf converts a State to its persisted form.
func SnapshotOf(s State, at time.Time) models.PromptSnapshot {
	return models.PromptSnapshot{
		Kind:            s.Prompt.Kind,
		Alert:           s.Alert.Clone(),
		Identity:        s.Identity,
		Cycle:           s.Cycle,
		AcceptedAt:      s.AcceptedAt,
		FollowUpPending: s.FollowUpPending,
		FollowUpDueAt:   s.FollowUpDueAt,
		UpdatedAt:       at,
	}
}

// StateFromSnapshot rebuilds a State from its persisted form. Unknown or
// transient prompt kinds restore as idle.
func StateFromSnapshot(snap models.PromptSnapshot) State {
	s := State{
		Alert:           snap.Alert.Clone(),
		Identity:        snap.Identity,
		Cycle:           snap.Cycle,
		AcceptedAt:      snap.AcceptedAt,
		FollowUpPending: snap.FollowUpPending,
		FollowUpDueAt:   snap.FollowUpDueAt,
	}
	switch snap.Kind {
	case models.PromptShelter, models.PromptSafetyCheck:
		s.Prompt = promptFor(snap.Kind, snap.Alert)
	default:
		s.Prompt = models.PromptState{Kind: models.PromptIdle}
	}
	if !s.FollowUpPending {
		s.FollowUpDueAt = time.Time{}
	}
	return s
}
