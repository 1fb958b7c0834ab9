package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Hearth hub.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site         SiteConfig       `yaml:"site"`
	Logging      LoggingConfig    `yaml:"logging"`
	API          APIConfig        `yaml:"api"`
	WebSocket    WebSocketConfig  `yaml:"websocket"`
	MQTT         MQTTConfig       `yaml:"mqtt"`
	Journal      JournalConfig    `yaml:"journal"`
	Database     DatabaseConfig   `yaml:"database"`
	InfluxDB     InfluxDBConfig   `yaml:"influxdb"`
	NATS         NATSConfig       `yaml:"nats"`
	Deconz       DeconzConfig     `yaml:"deconz"`
	Alarm        AlarmConfig      `yaml:"alarm"`
	Devices      []DeviceConfig   `yaml:"devices"`
	Groups       []GroupConfig    `yaml:"groups"`
	Rooms        []RoomConfig     `yaml:"rooms"`
	QuickActions []map[string]any `yaml:"quick_actions"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// WebRoot holds the browser UI. Empty serves a placeholder page.
	WebRoot string `yaml:"web_root"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains UI WebSocket settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendBuffer     int    `yaml:"send_buffer"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// StatePrefix is where serialized device state is mirrored, retained.
	// Empty disables the mirror.
	StatePrefix string `yaml:"state_prefix"`

	// ZWavePrefix is the topic root of the Z-Wave gateway.
	ZWavePrefix string `yaml:"zwave_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// JournalConfig locates per-device history files.
type JournalConfig struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"` // json or cbor
}

// DatabaseConfig contains SQLite settings for the history mirror.
type DatabaseConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Path                 string `yaml:"path"`
	WALMode              bool   `yaml:"wal_mode"`
	BusyTimeout          int    `yaml:"busy_timeout"`
	HistoryRetentionDays int    `yaml:"history_retention_days"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// NATSConfig contains the optional NATS state mirror settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DeconzConfig contains the deCONZ Zigbee gateway settings.
type DeconzConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	RestPort int    `yaml:"rest_port"`
	APIKey   string `yaml:"api_key"`
}

// AlarmConfig contains the cloud alarm panel settings.
type AlarmConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PanelID      string `yaml:"panel_id"`
	PushURL      string `yaml:"push_url"`
	SyncInterval int    `yaml:"sync_interval"`
}

// DeviceConfig declares one driver-backed device.
// Params are decoded by the driver.
type DeviceConfig struct {
	ID     string         `yaml:"id"`
	Driver string         `yaml:"driver"`
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// GroupConfig declares a group; the first member is the primary.
type GroupConfig struct {
	ID      string   `yaml:"id"`
	Members []string `yaml:"members"`
}

// RoomConfig declares a room.
type RoomConfig struct {
	ID             string   `yaml:"id"`
	Members        []string `yaml:"members"`
	Scenes         []string `yaml:"scenes"`
	VacancyTimeout int      `yaml:"vacancy_timeout"` // seconds, 0 disables
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. A .env file next to the config file, if present (never overrides the real environment)
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: HEARTH_SECTION_KEY
// For example: HEARTH_JOURNAL_DIR, HEARTH_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "home",
			Name:     "Hearth",
			Timezone: "UTC",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     256,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hearth",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			StatePrefix: "hearth/state",
			ZWavePrefix: "zwave",
		},
		Journal: JournalConfig{
			Dir:    "./data/history",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:                 "./data/hearth.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 30,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "hearth.state",
		},
		Deconz: DeconzConfig{
			RestPort: 80,
		},
		Alarm: AlarmConfig{
			SyncInterval: 600,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HEARTH_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"HEARTH_SITE_ID":             &cfg.Site.ID,
		"HEARTH_LOG_LEVEL":           &cfg.Logging.Level,
		"HEARTH_API_HOST":            &cfg.API.Host,
		"HEARTH_API_WEB_ROOT":        &cfg.API.WebRoot,
		"HEARTH_MQTT_HOST":           &cfg.MQTT.Broker.Host,
		"HEARTH_MQTT_USERNAME":       &cfg.MQTT.Auth.Username,
		"HEARTH_MQTT_PASSWORD":       &cfg.MQTT.Auth.Password,
		"HEARTH_JOURNAL_DIR":         &cfg.Journal.Dir,
		"HEARTH_DATABASE_PATH":       &cfg.Database.Path,
		"HEARTH_INFLUXDB_TOKEN":      &cfg.InfluxDB.Token,
		"HEARTH_NATS_URL":            &cfg.NATS.URL,
		"HEARTH_DECONZ_HOST":         &cfg.Deconz.Host,
		"HEARTH_DECONZ_API_KEY":      &cfg.Deconz.APIKey,
		"HEARTH_ALARM_CLIENT_SECRET": &cfg.Alarm.ClientSecret,
		"HEARTH_ALARM_PASSWORD":      &cfg.Alarm.Password,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"HEARTH_API_PORT":  &cfg.API.Port,
		"HEARTH_MQTT_PORT": &cfg.MQTT.Broker.Port,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch strings.ToLower(c.Journal.Format) {
	case "", "json", "cbor":
	default:
		errs = append(errs, "journal.format must be json or cbor")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}
	if c.Database.HistoryRetentionDays < 0 {
		errs = append(errs, "database.history_retention_days must not be negative")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required when nats is enabled")
	}

	if c.Deconz.Enabled && (c.Deconz.Host == "" || c.Deconz.APIKey == "") {
		errs = append(errs, "deconz.host and deconz.api_key are required when deconz is enabled")
	}

	if c.Alarm.Enabled {
		if c.Alarm.BaseURL == "" || c.Alarm.TokenURL == "" || c.Alarm.ClientID == "" {
			errs = append(errs, "alarm.base_url, alarm.token_url and alarm.client_id are required when the alarm is enabled")
		}
		if c.Alarm.SyncInterval <= 0 {
			errs = append(errs, "alarm.sync_interval must be positive")
		}
	}

	errs = append(errs, c.validateEntities()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateEntities checks that ids are unique and composites only reference known ids.
func (c *Config) validateEntities() []string {
	var errs []string
	known := make(map[string]bool)

	claim := func(kind, id string) {
		switch {
		case id == "":
			errs = append(errs, kind+".id is required")
		case id == "0":
			errs = append(errs, fmt.Sprintf("%s %q: id 0 is reserved", kind, id))
		case known[id]:
			errs = append(errs, fmt.Sprintf("%s %q: duplicate id", kind, id))
		}
		known[id] = true
	}

	for _, d := range c.Devices {
		claim("devices", d.ID)
		if d.Driver == "" {
			errs = append(errs, fmt.Sprintf("devices %q: driver is required", d.ID))
		}
	}
	for _, g := range c.Groups {
		claim("groups", g.ID)
		if len(g.Members) == 0 {
			errs = append(errs, fmt.Sprintf("groups %q: at least one member is required", g.ID))
		}
	}
	for _, r := range c.Rooms {
		claim("rooms", r.ID)
		if r.VacancyTimeout < 0 {
			errs = append(errs, fmt.Sprintf("rooms %q: vacancy_timeout must not be negative", r.ID))
		}
	}

	for _, g := range c.Groups {
		for _, m := range g.Members {
			if !known[m] {
				errs = append(errs, fmt.Sprintf("groups %q: unknown member %q", g.ID, m))
			}
		}
	}
	for _, r := range c.Rooms {
		for _, m := range r.Members {
			if !known[m] {
				errs = append(errs, fmt.Sprintf("rooms %q: unknown member %q", r.ID, m))
			}
		}
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetHistoryRetention returns how long mirrored history is kept. Zero keeps everything.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.Database.HistoryRetentionDays) * 24 * time.Hour
}

// GetAlarmSyncInterval returns the alarm panel poll interval.
func (c *Config) GetAlarmSyncInterval() time.Duration {
	return time.Duration(c.Alarm.SyncInterval) * time.Second
}

// GetVacancyTimeout returns the room's vacancy timer as a Duration.
func (r RoomConfig) GetVacancyTimeout() time.Duration {
	return time.Duration(r.VacancyTimeout) * time.Second
}
