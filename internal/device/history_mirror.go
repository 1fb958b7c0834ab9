package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// History record sources.
const (
	HistorySourceReport   = "report"
	HistorySourceWatchdog = "watchdog"
	HistorySourceInit     = "init"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// historyTimeLayout is fixed-width so stored timestamps sort as text.
	historyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// HistoryRecord is one mirrored journal entry.
type HistoryRecord struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	State     State     `json:"state"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryMirror receives a copy of every journal append.
//
// Devices call RecordStateChange from their dispatcher goroutine, so a slow
// mirror delays that device's listeners but never its state updates.
type HistoryMirror interface {
	RecordStateChange(ctx context.Context, deviceID string, entry Entry, source string) error
}

// HistoryReader serves recent history for a device, newest first.
type HistoryReader interface {
	GetHistory(ctx context.Context, deviceID string, limit int) ([]HistoryRecord, error)
}

// SQLiteHistoryMirror indexes journal appends in the state_history table.
type SQLiteHistoryMirror struct {
	db *sql.DB
}

// NewSQLiteHistoryMirror creates a mirror over an open, migrated database.
func NewSQLiteHistoryMirror(db *sql.DB) *SQLiteHistoryMirror {
	return &SQLiteHistoryMirror{db: db}
}

// RecordStateChange inserts one snapshot.
func (m *SQLiteHistoryMirror) RecordStateChange(ctx context.Context, deviceID string, entry Entry, source string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}
	if source == "" {
		source = HistorySourceReport
	}
	state := entry.State
	if state == nil {
		state = State{}
	}
	at := entry.Time
	if at.IsZero() {
		at = time.Now()
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	_, err = m.db.ExecContext(ctx,
		"INSERT INTO state_history (device_id, state, source, created_at) VALUES (?, ?, ?, ?)",
		deviceID,
		string(stateJSON),
		source,
		at.UTC().Format(historyTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns up to limit records for a device, newest first.
// limit defaults to 50 and is capped at 200.
func (m *SQLiteHistoryMirror) GetHistory(ctx context.Context, deviceID string, limit int) ([]HistoryRecord, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}
	limit = clampHistoryLimit(limit)

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, device_id, state, source, created_at
		 FROM state_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0, limit)
	for rows.Next() {
		var rec HistoryRecord
		var stateJSON, createdAt string

		if err := rows.Scan(&rec.ID, &rec.DeviceID, &stateJSON, &rec.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &rec.State); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}
		rec.CreatedAt, err = parseHistoryTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return records, nil
}

// PruneHistory deletes records older than now minus olderThan and reports how many went.
func (m *SQLiteHistoryMirror) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalidArgument)
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(historyTimeLayout)
	result, err := m.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// JournalHistory serves HistoryReader from in-memory journals when no
// database mirror is configured.
type JournalHistory struct {
	registry *Registry
}

// NewJournalHistory creates a reader over the devices in a registry.
func NewJournalHistory(registry *Registry) *JournalHistory {
	return &JournalHistory{registry: registry}
}

// GetHistory implements HistoryReader.
func (h *JournalHistory) GetHistory(_ context.Context, deviceID string, limit int) ([]HistoryRecord, error) {
	e, err := h.registry.Get(deviceID)
	if err != nil {
		return nil, err
	}
	src, ok := e.(interface{ History() []Entry })
	if !ok {
		return []HistoryRecord{}, nil
	}
	entries := src.History()
	limit = clampHistoryLimit(limit)

	records := make([]HistoryRecord, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(records) < limit; i-- {
		records = append(records, HistoryRecord{
			ID:        int64(i + 1),
			DeviceID:  deviceID,
			State:     entries[i].State,
			Source:    "journal",
			CreatedAt: entries[i].Time,
		})
	}
	return records, nil
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// parseHistoryTimestamp parses a created_at column value.
func parseHistoryTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return t.UTC(), nil
}
