package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

// backends returns every store available in this environment.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
	if dsn, ok := syscall.Getenv("DATABASE_URL"); ok && dsn != "" {
		pg, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			t.Logf("Postgres not available: %v", err)
			return out
		}
		for _, table := range []string{"profiles", "alert_records", "prompt_snapshots", "inbound_dedup"} {
			pg.db.Exec("DELETE FROM " + table)
		}
		t.Cleanup(func() { pg.Close() })
		out["postgres"] = pg
	}
	return out
}

var t0 = time.Date(2024, 4, 14, 1, 30, 0, 0, time.UTC)

func TestProfiles(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetProfile("missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetProfile(missing) error %v, want ErrNotFound", err)
			}
			if err := s.UpdateProfileStatus("missing", models.StatusSafe, t0); !errors.Is(err, ErrNotFound) {
				t.Fatalf("UpdateProfileStatus(missing) error %v, want ErrNotFound", err)
			}

			p := models.Profile{ID: "me", DisplayName: "Dana", Phone: "+972501234567", City: "חולון", Status: models.StatusUnknown, UpdatedAt: t0}
			if err := s.SaveProfile(p); err != nil {
				t.Fatalf("SaveProfile failed: %v", err)
			}
			if err := s.UpdateProfileStatus("me", models.StatusInShelter, t0.Add(time.Minute)); err != nil {
				t.Fatalf("UpdateProfileStatus failed: %v", err)
			}
			got, err := s.GetProfile("me")
			if err != nil {
				t.Fatalf("GetProfile failed: %v", err)
			}
			if got.City != "חולון" || got.Status != models.StatusInShelter || got.Phone != p.Phone {
				t.Errorf("unexpected profile %+v", got)
			}
			if !got.UpdatedAt.Equal(t0.Add(time.Minute)) {
				t.Errorf("UpdatedAt = %v", got.UpdatedAt)
			}

			p.City = "חיפה"
			p.Status = models.StatusSafe
			if err := s.SaveProfile(p); err != nil {
				t.Fatalf("SaveProfile overwrite failed: %v", err)
			}
			got, _ = s.GetProfile("me")
			if got.City != "חיפה" || got.Status != models.StatusSafe {
				t.Errorf("profile not overwritten: %+v", got)
			}
		})
	}
}

func TestAlertRecords(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			records, err := s.ListAlertRecords(10)
			if err != nil || len(records) != 0 {
				t.Fatalf("empty log: %v %v", records, err)
			}
			for i, id := range []string{"a", "b", "c"} {
				r := models.AlertRecord{
					ID:         id,
					Alert:      models.BroadcastAlert{Areas: []string{"תל אביב - יפו", id}, Category: "missiles", Title: "ירי רקטות"},
					ReceivedAt: t0.Add(time.Duration(i) * time.Second),
					Source:     models.AlertSourceFeed,
				}
				if err := s.AddAlertRecord(r); err != nil {
					t.Fatalf("AddAlertRecord(%s) failed: %v", id, err)
				}
			}
			if err := s.AddAlertRecord(models.AlertRecord{ID: "b", ReceivedAt: t0, Source: models.AlertSourceDemo}); err != nil {
				t.Fatalf("re-adding an ID should be a no-op: %v", err)
			}

			records, err = s.ListAlertRecords(2)
			if err != nil {
				t.Fatalf("ListAlertRecords failed: %v", err)
			}
			if len(records) != 2 || records[0].ID != "c" || records[1].ID != "b" {
				t.Fatalf("want newest first [c b], got %+v", records)
			}
			if records[1].Source != models.AlertSourceFeed || records[1].Alert.Areas[1] != "b" {
				t.Errorf("record b altered by duplicate insert: %+v", records[1])
			}

			all, _ := s.ListAlertRecords(0)
			if len(all) != 3 {
				t.Errorf("unbounded list returned %d records", len(all))
			}

			// An alert without areas round-trips as an empty slice.
			s.AddAlertRecord(models.AlertRecord{ID: "d", ReceivedAt: t0.Add(time.Hour), Source: models.AlertSourceFeed})
			latest, _ := s.ListAlertRecords(1)
			if latest[0].Alert.Areas == nil || len(latest[0].Alert.Areas) != 0 {
				t.Errorf("areas = %#v, want empty slice", latest[0].Alert.Areas)
			}
		})
	}
}

func TestPromptSnapshots(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			snap, err := s.GetPromptSnapshot("me")
			if err != nil || snap != nil {
				t.Fatalf("missing snapshot: %+v %v", snap, err)
			}

			want := models.PromptSnapshot{
				Kind:            models.PromptShelter,
				Alert:           models.BroadcastAlert{Areas: []string{"חולון"}, Title: "ירי רקטות"},
				Identity:        "חולוןירי רקטות",
				Cycle:           3,
				AcceptedAt:      t0,
				FollowUpPending: true,
				FollowUpDueAt:   t0.Add(10 * time.Minute),
				UpdatedAt:       t0,
			}
			if err := s.SavePromptSnapshot("me", want); err != nil {
				t.Fatalf("SavePromptSnapshot failed: %v", err)
			}
			got, err := s.GetPromptSnapshot("me")
			if err != nil || got == nil {
				t.Fatalf("GetPromptSnapshot: %+v %v", got, err)
			}
			if got.Kind != want.Kind || got.Identity != want.Identity || got.Cycle != 3 || !got.FollowUpPending {
				t.Errorf("snapshot mismatch: %+v", got)
			}
			if !got.FollowUpDueAt.Equal(want.FollowUpDueAt) || !got.AcceptedAt.Equal(t0) {
				t.Errorf("times mismatch: %+v", got)
			}
			if len(got.Alert.Areas) != 1 || got.Alert.Areas[0] != "חולון" {
				t.Errorf("alert mismatch: %+v", got.Alert)
			}

			idle := models.PromptSnapshot{Kind: models.PromptIdle, Cycle: 3, UpdatedAt: t0.Add(time.Hour)}
			if err := s.SavePromptSnapshot("me", idle); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			got, _ = s.GetPromptSnapshot("me")
			if got.Kind != models.PromptIdle || got.FollowUpPending || !got.FollowUpDueAt.IsZero() {
				t.Errorf("overwrite not applied: %+v", got)
			}
		})
	}
}

func TestInboundDedup(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			dup, err := s.IsDuplicate("msg-1")
			if err != nil || dup {
				t.Fatalf("new message reported duplicate: %v %v", dup, err)
			}
			isNew, err := s.RecordInbound("msg-1", "me")
			if err != nil || !isNew {
				t.Fatalf("first RecordInbound: %v %v", isNew, err)
			}
			if dup, _ = s.IsDuplicate("msg-1"); !dup {
				t.Error("recorded message not reported duplicate")
			}
			if isNew, _ = s.RecordInbound("msg-1", "me"); isNew {
				t.Error("second RecordInbound should report duplicate")
			}
			if err := s.MarkProcessed("msg-1"); err != nil {
				t.Errorf("MarkProcessed failed: %v", err)
			}
		})
	}
}

func TestProfileAccessor(t *testing.T) {
	st := NewInMemoryStore()
	acc := NewProfileAccessor(st, "me")
	acc.now = func() time.Time { return t0 }
	ctx := context.Background()

	city, err := acc.GetCity(ctx)
	if err != nil || city != "" {
		t.Fatalf("GetCity without profile = %q, %v", city, err)
	}
	if status, _ := acc.GetStatus(ctx); status != models.StatusUnknown {
		t.Errorf("GetStatus without profile = %q", status)
	}
	if err := acc.SetStatus(ctx, models.StatusSafe); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetStatus without profile error %v", err)
	}

	if _, err := acc.EnsureProfile("Dana", "+972501234567", "  ראשון לציון "); err != nil {
		t.Fatalf("EnsureProfile failed: %v", err)
	}
	if city, _ = acc.GetCity(ctx); city != "ראשון לציון" {
		t.Errorf("GetCity = %q", city)
	}
	if err := acc.SetStatus(ctx, models.StatusInShelter); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := acc.SetStatus(ctx, "bogus"); err == nil {
		t.Error("SetStatus accepted an invalid status")
	}

	// EnsureProfile keeps the status and ignores empty fields.
	p, _ := acc.EnsureProfile("", "", "")
	if p.Status != models.StatusInShelter || p.City != "ראשון לציון" || p.DisplayName != "Dana" {
		t.Errorf("EnsureProfile overwrote fields: %+v", p)
	}

	if err := acc.SetCity(ctx, " "); !errors.Is(err, models.ErrEmptyCity) {
		t.Errorf("SetCity(blank) error %v", err)
	}
	acc.SetCity(ctx, "חיפה")
	if city, _ = acc.GetCity(ctx); city != "חיפה" {
		t.Errorf("GetCity after SetCity = %q", city)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := acc.GetCity(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("GetCity with cancelled context: %v", err)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":       DSNTypePostgres,
		"postgresql://localhost/db":         DSNTypePostgres,
		"host=localhost user=u dbname=db":   DSNTypePostgres,
		"/var/lib/safestatus/safestatus.db": DSNTypeSQLite,
		"file:test.db?cache=shared":         DSNTypeSQLite,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNewWithoutDSNIsInMemory(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("New() returned %T", s)
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance reachable via DATABASE_URL.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := New(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*PostgresStore); !ok {
		t.Fatalf("New(WithPostgresDSN) returned %T", s)
	}
}
