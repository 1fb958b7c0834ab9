package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hearth/internal/device"
	"github.com/nerrad567/hearth/internal/drivers"
	"github.com/nerrad567/hearth/internal/infrastructure/config"
	"github.com/nerrad567/hearth/internal/infrastructure/logging"
	"github.com/nerrad567/hearth/internal/infrastructure/mqtt"
)

// TestServe_InvalidConfig verifies serve fails with an invalid config path.
func TestServe_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := serve(ctx, "/nonexistent/path/hearth.yaml"); err == nil {
		t.Fatal("serve() should fail with invalid config path")
	}
}

// TestServe_BadJournalFormat verifies serve stops before connecting
// anything when the journal format is unknown.
func TestServe_BadJournalFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hearth.yaml")
	content := `
site:
  id: test-site
journal:
  dir: ` + dir + `
  format: xml
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
influxdb:
  enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := serve(ctx, path)
	if err == nil {
		t.Fatal("serve() should fail with an unknown journal format")
	}
	if !strings.Contains(err.Error(), "journal") {
		t.Errorf("serve() error = %v, want a journal error", err)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configEnv, "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("resolveConfigPath(\"\") = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv(configEnv, "/etc/hearth/hearth.yaml")
	if got := resolveConfigPath(""); got != "/etc/hearth/hearth.yaml" {
		t.Errorf("resolveConfigPath() with env = %q", got)
	}
	if got := resolveConfigPath("local.yaml"); got != "local.yaml" {
		t.Errorf("resolveConfigPath(flag) = %q, want the flag to win", got)
	}
}

func writeTestJournal(t *testing.T, dir, id string) {
	t.Helper()
	j := device.OpenJournal(dir, id, device.JSONCodec{}, nil)
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	j.Append(base, device.State{"on": false})
	j.Append(base.Add(time.Minute), device.State{"on": true})
	j.Append(base.Add(2*time.Minute), device.State{"on": false})
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

func TestShowJournal(t *testing.T) {
	dir := t.TempDir()
	writeTestJournal(t, dir, "lamp-1")
	cfg := config.JournalConfig{Dir: dir, Format: "json"}

	tests := []struct {
		name      string
		limit     int
		wantLines int
		wantFirst string
	}{
		{"all entries", 0, 3, `2026-01-01T10:00:00Z {"on":false}`},
		{"newest two", 2, 2, `2026-01-01T10:01:00Z {"on":true}`},
		{"limit above length", 10, 3, `2026-01-01T10:00:00Z {"on":false}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := showJournal(&buf, cfg, "lamp-1", tt.limit); err != nil {
				t.Fatalf("showJournal() error = %v", err)
			}
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != tt.wantLines {
				t.Fatalf("lines = %d, want %d:\n%s", len(lines), tt.wantLines, buf.String())
			}
			if lines[0] != tt.wantFirst {
				t.Errorf("first line = %q, want %q", lines[0], tt.wantFirst)
			}
		})
	}
}

func TestShowJournal_Missing(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.JournalConfig{Dir: t.TempDir()}
	if err := showJournal(&buf, cfg, "ghost", 0); err == nil {
		t.Error("showJournal() expected an error for a device without a journal")
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := buf.String(); !strings.HasPrefix(got, "hearth "+version) {
		t.Errorf("version output = %q", got)
	}
}

func TestJournalShowCommand(t *testing.T) {
	dir := t.TempDir()
	writeTestJournal(t, dir, "lamp1")
	path := filepath.Join(dir, "hearth.yaml")
	content := "site:\n  id: test\njournal:\n  dir: " + dir + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--config", path, "journal", "show", "lamp1", "-n", "1"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != `2026-01-01T10:02:00Z {"on":false}` {
		t.Errorf("journal show output = %q", got)
	}
}

// MockPubSub accepts subscriptions and publishes without a broker.
type MockPubSub struct {
	mu     sync.Mutex
	topics []string
}

func (m *MockPubSub) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	return nil
}

func (m *MockPubSub) Publish(string, []byte, byte, bool) error { return nil }

// TestSupervise_ZWaveOnlyKeepsRunning verifies an install whose devices
// have no background loop still runs until shutdown.
func TestSupervise_ZWaveOnlyKeepsRunning(t *testing.T) {
	cfg := &config.Config{
		Devices: []config.DeviceConfig{
			{ID: "heater", Driver: drivers.DriverZWSwitch, Params: map[string]any{"node": 9}},
		},
	}
	env := drivers.Env{PubSub: &MockPubSub{}, ZWavePrefix: "zwave"}
	entities, err := buildEntities(cfg, env, nil, logging.Default())
	if err != nil {
		t.Fatalf("buildEntities() error = %v", err)
	}
	t.Cleanup(func() {
		for _, e := range entities {
			_ = e.Shutdown(context.Background())
		}
	})

	loops := runnerLoops(entities)
	if len(loops) != 0 {
		t.Fatalf("runnerLoops() = %d loops, want 0 for a Z-Wave switch", len(loops))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- supervise(ctx, loops) }()

	select {
	case err := <-done:
		t.Fatalf("supervise() returned %v before shutdown", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("supervise() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervise() did not return after cancel")
	}
}

func TestSupervise_LoopFailureStops(t *testing.T) {
	boom := errors.New("stream lost")
	loops := []func(context.Context) error{
		func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		func(context.Context) error { return boom },
	}

	done := make(chan error, 1)
	go func() { done <- supervise(context.Background(), loops) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("supervise() error = %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervise() did not stop after a loop failed")
	}
}
