package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/models"
)

// ProfileAccessor binds a Store to one profile ID and exposes the
// city/status operations the prompt machine needs.
type ProfileAccessor struct {
	st  Store
	id  string
	now func() time.Time
}

// NewProfileAccessor returns an accessor for profileID.
func NewProfileAccessor(st Store, profileID string) *ProfileAccessor {
	return &ProfileAccessor{st: st, id: profileID, now: time.Now}
}

// ProfileID returns the bound profile ID.
func (a *ProfileAccessor) ProfileID() string { return a.id }

// EnsureProfile creates the profile if it is missing and updates the city,
// display name and phone when the given values are non-empty. The stored
// status is preserved.
func (a *ProfileAccessor) EnsureProfile(displayName, phone, city string) (*models.Profile, error) {
	p, err := a.st.GetProfile(a.id)
	switch {
	case errors.Is(err, ErrNotFound):
		p = &models.Profile{ID: a.id, Status: models.StatusUnknown}
	case err != nil:
		return nil, err
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	if phone != "" {
		p.Phone = phone
	}
	if city = strings.TrimSpace(city); city != "" {
		p.City = city
	}
	p.UpdatedAt = a.now()
	if err := a.st.SaveProfile(*p); err != nil {
		return nil, err
	}
	slog.Info("ProfileAccessor.EnsureProfile: profile ready", "id", a.id, "city", p.City, "status", p.Status)
	return p, nil
}

// GetCity returns the profile's city, or "" when no profile exists.
func (a *ProfileAccessor) GetCity(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := a.st.GetProfile(a.id)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.City, nil
}

// SetCity changes the profile's city.
func (a *ProfileAccessor) SetCity(ctx context.Context, city string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	city = strings.TrimSpace(city)
	if city == "" {
		return models.ErrEmptyCity
	}
	p, err := a.st.GetProfile(a.id)
	if err != nil {
		return fmt.Errorf("set city: %w", err)
	}
	p.City = city
	p.UpdatedAt = a.now()
	return a.st.SaveProfile(*p)
}

// GetStatus returns the profile's status.
func (a *ProfileAccessor) GetStatus(ctx context.Context) (models.UserStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := a.st.GetProfile(a.id)
	if errors.Is(err, ErrNotFound) {
		return models.StatusUnknown, nil
	}
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// SetStatus records a new status for the profile.
func (a *ProfileAccessor) SetStatus(ctx context.Context, status models.UserStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !models.IsValidUserStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	return a.st.UpdateProfileStatus(a.id, status, a.now())
}
