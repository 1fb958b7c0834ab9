package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Entry is one history record: the full state snapshot at a point in time.
type Entry struct {
	Time  time.Time `json:"t" cbor:"t"`
	State State     `json:"state" cbor:"state"`
}

// Codec encodes a full history sequence for storage.
type Codec interface {
	// Ext is the file extension, without the dot.
	Ext() string
	Marshal(entries []Entry) ([]byte, error)
	Unmarshal(data []byte) ([]Entry, error)
}

// JSONCodec stores history as a JSON array of {"t", "state"} objects.
type JSONCodec struct{}

// Ext implements Codec.
func (JSONCodec) Ext() string { return "json" }

// Marshal implements Codec.
func (JSONCodec) Marshal(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// CBORCodec stores history as a CBOR array, for journals on constrained storage.
type CBORCodec struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("device: building cbor encoder: %v", err))
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("device: building cbor decoder: %v", err))
	}
}

// Ext implements Codec.
func (CBORCodec) Ext() string { return "cbor" }

// Marshal implements Codec.
func (CBORCodec) Marshal(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return cborEnc.Marshal(entries)
}

// Unmarshal implements Codec.
func (CBORCodec) Unmarshal(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := cborDec.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// CodecFor returns the codec for a configured journal format ("json" or "cbor").
func CodecFor(format string) (Codec, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: journal format %q", ErrInvalidArgument, format)
	}
}

// Journal is a device's append-only state history.
//
// The whole sequence lives in memory and is written out in one piece by
// Flush. A journal without a path is memory-only and Flush is a no-op.
type Journal struct {
	mu      sync.RWMutex
	path    string
	codec   Codec
	entries []Entry
	logger  Logger
}

// SanitizeID reduces a device id to the characters allowed in a journal
// file name. An id with no letters or digits maps to "_".
func SanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// JournalPath returns the file a device's history is stored in.
func JournalPath(dir, id string, codec Codec) string {
	return filepath.Join(dir, SanitizeID(id)+"."+codec.Ext())
}

// NewMemoryJournal returns a journal that is never persisted.
func NewMemoryJournal() *Journal {
	return &Journal{codec: JSONCodec{}, logger: noopLogger{}}
}

// OpenJournal loads the history for id from dir.
//
// A missing, empty, or undecodable file yields an empty journal; corruption
// is logged and never returned as an error. An empty dir returns a
// memory-only journal.
func OpenJournal(dir, id string, codec Codec, logger Logger) *Journal {
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	j := &Journal{codec: codec, logger: logger}
	if dir == "" {
		return j
	}
	j.path = JournalPath(dir, id, codec)

	entries, err := ReadJournal(j.path, codec)
	switch {
	case err == nil:
		j.entries = entries
	case errors.Is(err, fs.ErrNotExist):
	default:
		logger.Warn("discarding unreadable device history",
			"device_id", id,
			"path", j.path,
			"error", err,
		)
	}
	return j
}

// ReadJournal decodes a journal file without opening it for appends.
// An empty file decodes to no entries.
func ReadJournal(path string, codec Codec) ([]Entry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a sanitized id
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	entries, err := codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJournalCorrupt, err)
	}
	for i := range entries {
		if entries[i].State == nil {
			entries[i].State = State{}
		}
	}
	return entries, nil
}

// Path returns the backing file, or "" for a memory-only journal.
func (j *Journal) Path() string {
	return j.path
}

// Append records a snapshot. Timestamps never go backwards: a clock that
// stepped back is clamped to the previous entry's time.
func (j *Journal) Append(t time.Time, snapshot State) Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	t = t.UTC()
	if n := len(j.entries); n > 0 && t.Before(j.entries[n-1].Time) {
		t = j.entries[n-1].Time
	}
	e := Entry{Time: t, State: snapshot.DeepCopy()}
	j.entries = append(j.entries, e)
	return Entry{Time: e.Time, State: e.State.DeepCopy()}
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Entries returns a copy of the full history, oldest first.
func (j *Journal) Entries() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyEntries(j.entries)
}

// Since returns the entries at or after t.
func (j *Journal) Since(t time.Time) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for i, e := range j.entries {
		if !e.Time.Before(t) {
			return copyEntries(j.entries[i:])
		}
	}
	return []Entry{}
}

// Last returns the newest snapshot, if any.
func (j *Journal) Last() (State, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.entries) == 0 {
		return nil, false
	}
	return j.entries[len(j.entries)-1].State.DeepCopy(), true
}

// Flush writes the full history to disk, replacing the previous file
// atomically: the data goes to a temporary file in the same directory,
// which is synced and then renamed over the target.
func (j *Journal) Flush() error {
	if j.path == "" {
		return nil
	}

	j.mu.RLock()
	data, err := j.codec.Marshal(j.entries)
	j.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", ErrJournalFlush, err)
	}

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: %w", ErrJournalFlush, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(j.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJournalFlush, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: writing: %w", ErrJournalFlush, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: syncing: %w", ErrJournalFlush, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %w", ErrJournalFlush, err)
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: renaming: %w", ErrJournalFlush, err)
	}
	return nil
}

func copyEntries(src []Entry) []Entry {
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = Entry{Time: e.Time, State: e.State.DeepCopy()}
	}
	return out
}
