package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hearth/internal/device"
)

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricWriter stores one point per state change.
// *influxdb.Client satisfies it.
type MetricWriter interface {
	WriteDeviceState(deviceID string, fields map[string]any, at time.Time)
}

// Recorder writes the numeric fields of every state change.
type Recorder struct {
	w   MetricWriter
	now func() time.Time

	mu       sync.Mutex
	attached map[string]bool
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w MetricWriter) *Recorder {
	return &Recorder{w: w, now: time.Now, attached: make(map[string]bool)}
}

// Attach starts recording e. Attaching the same id twice is a no-op.
func (r *Recorder) Attach(e device.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attached[e.ID()] {
		return nil
	}
	if err := e.Listen(device.EventStateChange, r.record); err != nil {
		return fmt.Errorf("attaching recorder to %s: %w", e.ID(), err)
	}
	r.attached[e.ID()] = true
	return nil
}

func (r *Recorder) record(e device.Entity) {
	fields := Fields(e.State())
	if len(fields) == 0 {
		return
	}
	r.w.WriteDeviceState(e.ID(), fields, r.now())
}

// Fields returns the numeric view of a state: numbers as float64 and
// bools as 0 or 1. Other values are skipped.
func Fields(st device.State) map[string]any {
	fields := make(map[string]any, len(st))
	for k, v := range st {
		switch n := v.(type) {
		case bool:
			if n {
				fields[k] = 1.0
			} else {
				fields[k] = 0.0
			}
		case float64:
			fields[k] = n
		case float32:
			fields[k] = float64(n)
		case int:
			fields[k] = float64(n)
		case int64:
			fields[k] = float64(n)
		case uint64:
			fields[k] = float64(n)
		}
	}
	return fields
}
