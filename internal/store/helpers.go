package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/models"
)

// nullTime maps the zero time to NULL for nullable timestamp columns.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func encodeAreas(areas []string) (string, error) {
	if areas == nil {
		areas = []string{}
	}
	b, err := json.Marshal(areas)
	if err != nil {
		return "", fmt.Errorf("failed to encode areas: %w", err)
	}
	return string(b), nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanAlertRecord scans the columns id, areas, category, title, description,
// source, received_at.
func scanAlertRecord(row rowScanner) (models.AlertRecord, error) {
	var r models.AlertRecord
	var areasJSON []byte
	err := row.Scan(&r.ID, &areasJSON, &r.Alert.Category, &r.Alert.Title,
		&r.Alert.Description, &r.Source, &r.ReceivedAt)
	if err != nil {
		return r, fmt.Errorf("scan alert record failed: %w", err)
	}
	r.Alert.Areas = []string{}
	if len(areasJSON) > 0 {
		if err := json.Unmarshal(areasJSON, &r.Alert.Areas); err != nil {
			return r, fmt.Errorf("decode areas of alert record %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// scanPromptSnapshot scans the columns kind, alert, identity, cycle,
// accepted_at, follow_up_pending, follow_up_due_at, updated_at.
func scanPromptSnapshot(row rowScanner) (*models.PromptSnapshot, error) {
	var snap models.PromptSnapshot
	var alertJSON []byte
	var cycle int64
	var acceptedAt, dueAt sql.NullTime
	err := row.Scan(&snap.Kind, &alertJSON, &snap.Identity, &cycle,
		&acceptedAt, &snap.FollowUpPending, &dueAt, &snap.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(alertJSON) > 0 {
		if err := json.Unmarshal(alertJSON, &snap.Alert); err != nil {
			return nil, fmt.Errorf("decode snapshot alert: %w", err)
		}
	}
	snap.Cycle = uint64(cycle)
	snap.AcceptedAt = timeOrZero(acceptedAt)
	snap.FollowUpDueAt = timeOrZero(dueAt)
	return &snap, nil
}

func encodeSnapshotAlert(a models.BroadcastAlert) (string, error) {
	if a.Areas == nil {
		a.Areas = []string{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot alert: %w", err)
	}
	return string(b), nil
}
