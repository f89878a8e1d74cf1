// Package store provides storage backends for SafeStatus.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/SafeStatus/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveProfile(p models.Profile) error {
	if p.Status == "" {
		p.Status = models.StatusUnknown
	}
	_, err := s.db.Exec(`
		INSERT INTO profiles (id, display_name, phone, city, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			phone = EXCLUDED.phone,
			city = EXCLUDED.city,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.DisplayName, p.Phone, p.City, p.Status, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveProfile failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to save profile %s: %w", p.ID, err)
	}
	slog.Debug("PostgresStore SaveProfile succeeded", "id", p.ID)
	return nil
}

func (s *PostgresStore) GetProfile(id string) (*models.Profile, error) {
	var p models.Profile
	err := s.db.QueryRow(`SELECT id, display_name, phone, city, status, updated_at FROM profiles WHERE id = $1`, id).
		Scan(&p.ID, &p.DisplayName, &p.Phone, &p.City, &p.Status, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetProfile failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get profile %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) UpdateProfileStatus(id string, status models.UserStatus, at time.Time) error {
	res, err := s.db.Exec(`UPDATE profiles SET status = $1, updated_at = $2 WHERE id = $3`, status, at, id)
	if err != nil {
		slog.Error("PostgresStore UpdateProfileStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("failed to update status of %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	slog.Debug("PostgresStore UpdateProfileStatus succeeded", "id", id, "status", status)
	return nil
}

func (s *PostgresStore) AddAlertRecord(r models.AlertRecord) error {
	areas, err := encodeAreas(r.Alert.Areas)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO alert_records (id, areas, category, title, description, source, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, areas, r.Alert.Category, r.Alert.Title, r.Alert.Description, r.Source, r.ReceivedAt)
	if err != nil {
		slog.Error("PostgresStore AddAlertRecord failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert alert record %s: %w", r.ID, err)
	}
	slog.Debug("PostgresStore AddAlertRecord succeeded", "id", r.ID, "source", r.Source)
	return nil
}

func (s *PostgresStore) ListAlertRecords(limit int) ([]models.AlertRecord, error) {
	query := `SELECT id, areas, category, title, description, source, received_at
		FROM alert_records ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListAlertRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query alert records: %w", err)
	}
	defer rows.Close()

	records := []models.AlertRecord{}
	for rows.Next() {
		r, err := scanAlertRecord(rows)
		if err != nil {
			slog.Error("PostgresStore ListAlertRecords scan failed", "error", err)
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) SavePromptSnapshot(profileID string, snap models.PromptSnapshot) error {
	alert, err := encodeSnapshotAlert(snap.Alert)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO prompt_snapshots
			(profile_id, kind, alert, identity, cycle, accepted_at, follow_up_pending, follow_up_due_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (profile_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			alert = EXCLUDED.alert,
			identity = EXCLUDED.identity,
			cycle = EXCLUDED.cycle,
			accepted_at = EXCLUDED.accepted_at,
			follow_up_pending = EXCLUDED.follow_up_pending,
			follow_up_due_at = EXCLUDED.follow_up_due_at,
			updated_at = EXCLUDED.updated_at`,
		profileID, snap.Kind, alert, snap.Identity, int64(snap.Cycle),
		nullTime(snap.AcceptedAt), snap.FollowUpPending, nullTime(snap.FollowUpDueAt), snap.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SavePromptSnapshot failed", "error", err, "profileID", profileID)
		return fmt.Errorf("failed to save prompt snapshot for %s: %w", profileID, err)
	}
	slog.Debug("PostgresStore SavePromptSnapshot succeeded", "profileID", profileID, "kind", snap.Kind, "cycle", snap.Cycle)
	return nil
}

func (s *PostgresStore) GetPromptSnapshot(profileID string) (*models.PromptSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT kind, alert, identity, cycle, accepted_at, follow_up_pending, follow_up_due_at, updated_at
		FROM prompt_snapshots WHERE profile_id = $1`, profileID)
	snap, err := scanPromptSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPromptSnapshot failed", "error", err, "profileID", profileID)
		return nil, fmt.Errorf("failed to get prompt snapshot for %s: %w", profileID, err)
	}
	return snap, nil
}

func (s *PostgresStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RecordInbound(messageID, profileID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, profile_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, profileID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
