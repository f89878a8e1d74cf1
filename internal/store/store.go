// Package store provides storage backends for SafeStatus.
//
// Profiles, the alert audit log, prompt snapshots and inbound reply
// deduplication are kept in memory, SQLite or PostgreSQL.
package store

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// Store is the persistence contract used by the rest of SafeStatus.
type Store interface {
	SaveProfile(p models.Profile) error
	// GetProfile returns ErrNotFound for unknown IDs.
	GetProfile(id string) (*models.Profile, error)
	// UpdateProfileStatus returns ErrNotFound for unknown IDs.
	UpdateProfileStatus(id string, status models.UserStatus, at time.Time) error

	// AddAlertRecord appends to the audit log. Re-adding an ID is a no-op.
	AddAlertRecord(r models.AlertRecord) error
	// ListAlertRecords returns up to limit records, newest first. A
	// non-positive limit returns everything.
	ListAlertRecords(limit int) ([]models.AlertRecord, error)

	SavePromptSnapshot(profileID string, snap models.PromptSnapshot) error
	// GetPromptSnapshot returns nil without error when nothing was saved.
	GetPromptSnapshot(profileID string) (*models.PromptSnapshot, error)

	DedupRepo

	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN  string
	Type string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with the given database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = DSNTypeSQLite
	}
}

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = DSNTypePostgres
	}
}

// DetectDSNType classifies a DSN as PostgreSQL (URL or key/value form) or
// SQLite (anything else, treated as a file path).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return DSNTypePostgres
	}
	// key=value form, e.g. "host=localhost user=postgres dbname=app"
	if !strings.ContainsAny(d, "/?") {
		for _, key := range []string{"host=", "user=", "dbname="} {
			if strings.Contains(d, key) {
				return DSNTypePostgres
			}
		}
	}
	if strings.Contains(d, "host=") && strings.Contains(d, " ") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// New opens the backend selected by opts. Without a DSN it returns an
// in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.New: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if cfg.Type == "" {
		cfg.Type = DetectDSNType(cfg.DSN)
	}
	switch cfg.Type {
	case DSNTypePostgres:
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	default:
		return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	}
}
