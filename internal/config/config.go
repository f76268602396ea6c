package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/ble/crypto"
)

// Config holds all application configuration.
type Config struct {
	Scan      ScanConfig    `yaml:"scan"`
	Session   SessionConfig `yaml:"session"`
	Setup     SetupConfig   `yaml:"setup"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	InfluxDB  InfluxConfig  `yaml:"influxdb"`
	Ledger    LedgerConfig  `yaml:"ledger"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // "text" or "json"
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Duration         time.Duration `yaml:"duration"`
	Pause            time.Duration `yaml:"pause"`
	Filter           string        `yaml:"filter"` // all, crownstone, guidestone, ibeacon, stone
	SmoothingAlpha   float64       `yaml:"smoothing_alpha"`
	MeasuredPower    float64       `yaml:"measured_power"`
	PathLossExponent float64       `yaml:"path_loss_exponent"`
	StaleAfter       time.Duration `yaml:"stale_after"` // 0 keeps devices until cleared
	UIInterval       time.Duration `yaml:"ui_interval"`
}

// SessionConfig holds connection settings.
type SessionConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"` // 0 keeps links open
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"` // 0 disables the breaker
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// SetupConfig holds the identity written to peripherals during setup.
// Keys are 16 ASCII characters or 32 hex digits.
type SetupConfig struct {
	AdminKey          string `yaml:"admin_key"`
	MemberKey         string `yaml:"member_key"`
	GuestKey          string `yaml:"guest_key"`
	MeshAccessAddress uint32 `yaml:"mesh_access_address"`
	BeaconUUID        string `yaml:"beacon_uuid"`
	BeaconMajor       uint16 `yaml:"beacon_major"`
	BeaconMinor       uint16 `yaml:"beacon_minor"`
}

// MQTTConfig holds the event bridge settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// InfluxConfig holds the signal history settings.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// LedgerConfig holds the setup ledger location. An empty path disables it.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bluenet")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Scan: ScanConfig{
			Duration:         5 * time.Second,
			Pause:            2 * time.Second,
			Filter:           "all",
			SmoothingAlpha:   0.3,
			MeasuredPower:    -59,
			PathLossExponent: 2.0,
			UIInterval:       500 * time.Millisecond,
		},
		Session: SessionConfig{
			IdleTimeout:     5 * time.Second,
			ConnectTimeout:  10 * time.Second,
			CommandTimeout:  5 * time.Second,
			BreakerFailures: 3,
			BreakerCooldown: 30 * time.Second,
		},
		Setup: SetupConfig{
			MeshAccessAddress: 0x9449d07c,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "bluenet",
			TopicPrefix: "bluenet",
			QoS:         1,
		},
		InfluxDB: InfluxConfig{
			URL:    "http://localhost:8086",
			Org:    "bluenet",
			Bucket: "ble",
		},
		Ledger: LedgerConfig{
			Path: filepath.Join(home, ".local", "share", "bluenet", "ledger.db"),
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in ledger.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Ledger.Path = expandTilde(cfg.Ledger.Path)

	return cfg, nil
}

const defaultHeader = `# bluenet configuration
# Durations use Go syntax (500ms, 5s, 1m). Setup keys are 16 characters or 32 hex digits.
`

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. If a config file already exists it returns ("", nil).
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values. Setup values are only
// checked when present; SetupKeys and BeaconUUID enforce them on use.
func (c *Config) Validate() error {
	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}
	if c.Scan.Pause <= 0 {
		return fmt.Errorf("scan.pause must be > 0")
	}
	if _, err := ble.ParseFilter(c.Scan.Filter); err != nil {
		return fmt.Errorf("scan.filter: %w", err)
	}
	if !(c.Scan.SmoothingAlpha > 0 && c.Scan.SmoothingAlpha < 1) {
		return fmt.Errorf("scan.smoothing_alpha must be in (0,1), got %v", c.Scan.SmoothingAlpha)
	}
	if c.Scan.MeasuredPower >= 0 {
		return fmt.Errorf("scan.measured_power must be negative dBm, got %v", c.Scan.MeasuredPower)
	}
	if c.Scan.PathLossExponent <= 0 {
		return fmt.Errorf("scan.path_loss_exponent must be > 0")
	}
	if c.Scan.StaleAfter < 0 || c.Scan.UIInterval < 0 {
		return fmt.Errorf("scan.stale_after and scan.ui_interval must be >= 0")
	}

	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("session.idle_timeout must be >= 0")
	}
	if c.Session.ConnectTimeout <= 0 || c.Session.CommandTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout and session.command_timeout must be > 0")
	}
	if c.Session.BreakerFailures > 0 && c.Session.BreakerCooldown <= 0 {
		return fmt.Errorf("session.breaker_cooldown must be > 0 when session.breaker_failures is set")
	}

	for name, key := range map[string]string{
		"admin_key":  c.Setup.AdminKey,
		"member_key": c.Setup.MemberKey,
		"guest_key":  c.Setup.GuestKey,
	} {
		if key == "" {
			continue
		}
		if _, err := decodeKey(key); err != nil {
			return fmt.Errorf("setup.%s: %w", name, err)
		}
	}
	if c.Setup.BeaconUUID != "" {
		if _, err := uuid.Parse(c.Setup.BeaconUUID); err != nil {
			return fmt.Errorf("setup.beacon_uuid: %w", err)
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url and influxdb.bucket must be set when influxdb is enabled")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

// SetupKeys decodes the three setup keys. All of them must be set.
func (c *Config) SetupKeys() (crypto.KeySet, error) {
	var ks crypto.KeySet
	for _, e := range []struct {
		name string
		raw  string
		dst  *[]byte
	}{
		{"admin_key", c.Setup.AdminKey, &ks.Admin},
		{"member_key", c.Setup.MemberKey, &ks.Member},
		{"guest_key", c.Setup.GuestKey, &ks.Guest},
	} {
		if e.raw == "" {
			return crypto.KeySet{}, fmt.Errorf("setup.%s must be set", e.name)
		}
		key, err := decodeKey(e.raw)
		if err != nil {
			return crypto.KeySet{}, fmt.Errorf("setup.%s: %w", e.name, err)
		}
		*e.dst = key
	}
	return ks, nil
}

// BeaconUUID parses setup.beacon_uuid.
func (c *Config) BeaconUUID() (uuid.UUID, error) {
	if c.Setup.BeaconUUID == "" {
		return uuid.Nil, errors.New("setup.beacon_uuid must be set")
	}
	return uuid.Parse(c.Setup.BeaconUUID)
}

// decodeKey accepts a key as KeyLength raw characters or as hex.
func decodeKey(s string) ([]byte, error) {
	switch len(s) {
	case crypto.KeyLength:
		return []byte(s), nil
	case 2 * crypto.KeyLength:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("must be %d characters or %d hex digits, got %d characters",
			crypto.KeyLength, 2*crypto.KeyLength, len(s))
	}
}

// ParseLogLevel maps a config level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
