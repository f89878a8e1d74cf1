// Package store provides storage backends for SafeStatus.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/SafeStatus/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between the bus persister and the
	// prompt machine.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveProfile(p models.Profile) error {
	if p.Status == "" {
		p.Status = models.StatusUnknown
	}
	_, err := s.db.Exec(`
		INSERT INTO profiles (id, display_name, phone, city, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			phone = excluded.phone,
			city = excluded.city,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		p.ID, p.DisplayName, p.Phone, p.City, p.Status, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveProfile failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to save profile %s: %w", p.ID, err)
	}
	slog.Debug("SQLiteStore SaveProfile succeeded", "id", p.ID)
	return nil
}

func (s *SQLiteStore) GetProfile(id string) (*models.Profile, error) {
	var p models.Profile
	err := s.db.QueryRow(`SELECT id, display_name, phone, city, status, updated_at FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.DisplayName, &p.Phone, &p.City, &p.Status, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetProfile failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get profile %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLiteStore) UpdateProfileStatus(id string, status models.UserStatus, at time.Time) error {
	res, err := s.db.Exec(`UPDATE profiles SET status = ?, updated_at = ? WHERE id = ?`, status, at, id)
	if err != nil {
		slog.Error("SQLiteStore UpdateProfileStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("failed to update status of %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	slog.Debug("SQLiteStore UpdateProfileStatus succeeded", "id", id, "status", status)
	return nil
}

func (s *SQLiteStore) AddAlertRecord(r models.AlertRecord) error {
	areas, err := encodeAreas(r.Alert.Areas)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO alert_records (id, areas, category, title, description, source, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, areas, r.Alert.Category, r.Alert.Title, r.Alert.Description, r.Source, r.ReceivedAt)
	if err != nil {
		slog.Error("SQLiteStore AddAlertRecord failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert alert record %s: %w", r.ID, err)
	}
	slog.Debug("SQLiteStore AddAlertRecord succeeded", "id", r.ID, "source", r.Source)
	return nil
}

func (s *SQLiteStore) ListAlertRecords(limit int) ([]models.AlertRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	rows, err := s.db.Query(`
		SELECT id, areas, category, title, description, source, received_at
		FROM alert_records ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore ListAlertRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query alert records: %w", err)
	}
	defer rows.Close()

	records := []models.AlertRecord{}
	for rows.Next() {
		r, err := scanAlertRecord(rows)
		if err != nil {
			slog.Error("SQLiteStore ListAlertRecords scan failed", "error", err)
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert records: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) SavePromptSnapshot(profileID string, snap models.PromptSnapshot) error {
	alert, err := encodeSnapshotAlert(snap.Alert)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO prompt_snapshots
			(profile_id, kind, alert, identity, cycle, accepted_at, follow_up_pending, follow_up_due_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		profileID, snap.Kind, alert, snap.Identity, int64(snap.Cycle),
		nullTime(snap.AcceptedAt), snap.FollowUpPending, nullTime(snap.FollowUpDueAt), snap.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SavePromptSnapshot failed", "error", err, "profileID", profileID)
		return fmt.Errorf("failed to save prompt snapshot for %s: %w", profileID, err)
	}
	slog.Debug("SQLiteStore SavePromptSnapshot succeeded", "profileID", profileID, "kind", snap.Kind, "cycle", snap.Cycle)
	return nil
}

func (s *SQLiteStore) GetPromptSnapshot(profileID string) (*models.PromptSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT kind, alert, identity, cycle, accepted_at, follow_up_pending, follow_up_due_at, updated_at
		FROM prompt_snapshots WHERE profile_id = ?`, profileID)
	snap, err := scanPromptSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPromptSnapshot failed", "error", err, "profileID", profileID)
		return nil, fmt.Errorf("failed to get prompt snapshot for %s: %w", profileID, err)
	}
	return snap, nil
}

func (s *SQLiteStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) RecordInbound(messageID, profileID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, profile_id, received_at) VALUES (?, ?, ?)`,
		messageID, profileID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
