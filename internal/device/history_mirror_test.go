package device

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupHistoryTestDB creates an in-memory SQLite database with the state_history table.
func setupHistoryTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			state TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'report',
			created_at TEXT NOT NULL
		) STRICT;
		CREATE INDEX idx_state_history_device ON state_history(device_id, created_at DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteHistoryMirror_RecordAndGet(t *testing.T) {
	m := NewSQLiteHistoryMirror(setupHistoryTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	for i, on := range []bool{false, true, false} {
		entry := Entry{Time: now.Add(time.Duration(i) * time.Millisecond), State: State{"on": on}}
		if err := m.RecordStateChange(ctx, "lamp1", entry, ""); err != nil {
			t.Fatalf("RecordStateChange() error = %v", err)
		}
	}
	if err := m.RecordStateChange(ctx, "other", Entry{Time: now, State: State{}}, HistorySourceInit); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}

	records, err := m.GetHistory(ctx, "lamp1", 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].State["on"] != false || records[1].State["on"] != true {
		t.Errorf("records not newest first: %v, %v", records[0].State, records[1].State)
	}
	if records[0].Source != HistorySourceReport {
		t.Errorf("source = %q, want %q", records[0].Source, HistorySourceReport)
	}
	if !records[0].CreatedAt.Equal(now.Add(2 * time.Millisecond)) {
		t.Errorf("created_at = %v, want %v", records[0].CreatedAt, now.Add(2*time.Millisecond))
	}
}

func TestSQLiteHistoryMirror_Prune(t *testing.T) {
	m := NewSQLiteHistoryMirror(setupHistoryTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	old := Entry{Time: now.Add(-48 * time.Hour), State: State{"n": 1}}
	recent := Entry{Time: now.Add(-time.Hour), State: State{"n": 2}}
	for _, e := range []Entry{old, recent} {
		if err := m.RecordStateChange(ctx, "dev", e, HistorySourceReport); err != nil {
			t.Fatalf("RecordStateChange() error = %v", err)
		}
	}

	n, err := m.PruneHistory(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory() error = %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	records, _ := m.GetHistory(ctx, "dev", 0)
	if len(records) != 1 {
		t.Errorf("remaining = %d, want 1", len(records))
	}

	if _, err := m.PruneHistory(ctx, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("PruneHistory(0) error = %v, want ErrInvalidArgument", err)
	}
}

func TestSQLiteHistoryMirror_RequiresDeviceID(t *testing.T) {
	m := NewSQLiteHistoryMirror(setupHistoryTestDB(t))
	ctx := context.Background()

	if err := m.RecordStateChange(ctx, "", Entry{}, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("RecordStateChange(\"\") error = %v", err)
	}
	if _, err := m.GetHistory(ctx, "", 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("GetHistory(\"\") error = %v", err)
	}
}

func TestJournalHistory(t *testing.T) {
	r := NewRegistry()
	d, sched := newTestDevice(t, "lamp1")
	r.Register(d)
	for i := 0; i < 3; i++ {
		sched.Advance(time.Second)
		d.UpdateState(State{"n": i}, true)
	}

	h := NewJournalHistory(r)
	records, err := h.GetHistory(context.Background(), "lamp1", 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if v, _ := toFloat(records[0].State["n"]); v != 2 {
		t.Errorf("newest n = %v, want 2", records[0].State["n"])
	}

	if _, err := h.GetHistory(context.Background(), "ghost", 2); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetHistory(ghost) error = %v, want ErrDeviceNotFound", err)
	}
}
