package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hearth.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "test-site"
journal:
  dir: "/tmp/history"
  format: cbor
mqtt:
  broker:
    host: "broker.local"
    port: 1883
  qos: 1
devices:
  - id: lamp1
    driver: sonoff
    params:
      name: lamp1
  - id: blinds
    driver: mqtt_blinds
groups:
  - id: all_lights
    members: [lamp1]
rooms:
  - id: living
    members: [all_lights, blinds]
    scenes: [day, night]
    vacancy_timeout: 900
quick_actions:
  - label: Night
    device: living
    action: set_scene
    args: [night]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Journal.Format != "cbor" {
		t.Errorf("Journal.Format = %q, want cbor", cfg.Journal.Format)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want broker.local", cfg.MQTT.Broker.Host)
	}
	if len(cfg.Devices) != 2 || cfg.Devices[0].Params["name"] != "lamp1" {
		t.Errorf("Devices = %+v", cfg.Devices)
	}
	if got := cfg.Rooms[0].GetVacancyTimeout(); got != 15*time.Minute {
		t.Errorf("vacancy timeout = %v, want 15m", got)
	}
	if len(cfg.QuickActions) != 1 || cfg.QuickActions[0]["action"] != "set_scene" {
		t.Errorf("QuickActions = %v", cfg.QuickActions)
	}
	// Defaults survive for sections the file omits.
	if cfg.WebSocket.Path != "/ws" {
		t.Errorf("WebSocket.Path = %q, want /ws", cfg.WebSocket.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/hearth.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	configPath := writeConfig(t, `
mqtt:
  broker:
    host: "from-file"
`)
	t.Setenv("HEARTH_MQTT_HOST", "from-env")
	t.Setenv("HEARTH_API_PORT", "9090")
	t.Setenv("HEARTH_API_WEB_ROOT", "/srv/hearth/www")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Broker.Host != "from-env" {
		t.Errorf("MQTT.Broker.Host = %q, want from-env", cfg.MQTT.Broker.Host)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.API.WebRoot != "/srv/hearth/www" {
		t.Errorf("API.WebRoot = %q, want /srv/hearth/www", cfg.API.WebRoot)
	}
}

func TestLoad_BadIntegerOverride(t *testing.T) {
	configPath := writeConfig(t, "site:\n  id: x\n")
	t.Setenv("HEARTH_MQTT_PORT", "eighteen")

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for non-numeric HEARTH_MQTT_PORT")
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	configPath := writeConfig(t, "site:\n  id: x\n")
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := os.WriteFile(envPath, []byte("HEARTH_JOURNAL_DIR=/var/lib/hearth/history\n"), 0600); err != nil {
		t.Fatal(err)
	}
	// godotenv sets the variable for the rest of the process.
	t.Cleanup(func() { os.Unsetenv("HEARTH_JOURNAL_DIR") })

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Journal.Dir != "/var/lib/hearth/history" {
		t.Errorf("Journal.Dir = %q, want value from .env", cfg.Journal.Dir)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing site id",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id is required",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "bad journal format",
			mutate:  func(c *Config) { c.Journal.Format = "xml" },
			wantErr: "journal.format",
		},
		{
			name: "duplicate device id",
			mutate: func(c *Config) {
				c.Devices = []DeviceConfig{{ID: "a", Driver: "sonoff"}, {ID: "a", Driver: "sonoff"}}
			},
			wantErr: "duplicate id",
		},
		{
			name:    "reserved id",
			mutate:  func(c *Config) { c.Devices = []DeviceConfig{{ID: "0", Driver: "sonoff"}} },
			wantErr: "reserved",
		},
		{
			name:    "missing driver",
			mutate:  func(c *Config) { c.Devices = []DeviceConfig{{ID: "a"}} },
			wantErr: "driver is required",
		},
		{
			name:    "unknown group member",
			mutate:  func(c *Config) { c.Groups = []GroupConfig{{ID: "g", Members: []string{"ghost"}}} },
			wantErr: "unknown member",
		},
		{
			name:    "deconz without key",
			mutate:  func(c *Config) { c.Deconz = DeconzConfig{Enabled: true, Host: "gw"} },
			wantErr: "deconz",
		},
		{
			name:    "alarm without endpoints",
			mutate:  func(c *Config) { c.Alarm.Enabled = true },
			wantErr: "alarm.base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := defaultConfig()
	if cfg.GetReadTimeout() != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v", cfg.GetReadTimeout())
	}
	if cfg.GetHistoryRetention() != 30*24*time.Hour {
		t.Errorf("GetHistoryRetention() = %v", cfg.GetHistoryRetention())
	}
	if cfg.GetAlarmSyncInterval() != 10*time.Minute {
		t.Errorf("GetAlarmSyncInterval() = %v", cfg.GetAlarmSyncInterval())
	}
}
