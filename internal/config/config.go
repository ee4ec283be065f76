package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ATT MTU limits defined by Bluetooth Core.
const (
	minATTMTU = 23
	maxATTMTU = 517
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" or "json"
	Store     StoreConfig  `yaml:"store"`
	Scan      ScanConfig   `yaml:"scan"`
	GATT      GATTConfig   `yaml:"gatt"`
	Tx        TxConfig     `yaml:"tx"`
	Events    EventsConfig `yaml:"events"`
}

// StoreConfig holds identity persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite database file
}

// ScanConfig holds device discovery settings.
type ScanConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Strategy string        `yaml:"strategy"` // "auto", "raw" or "platform"
}

// GATTConfig holds connection settings.
type GATTConfig struct {
	Watchdog time.Duration `yaml:"watchdog"`
	MTU      int           `yaml:"mtu"`
	MinMTU   int           `yaml:"min_mtu"`
}

// TxConfig holds transaction settings.
type TxConfig struct {
	ResponseTimeout time.Duration `yaml:"response_timeout"` // 0 waits forever
}

// EventsConfig holds outbound event settings.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "badgelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "badgelink", "badges.db")

	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Store: StoreConfig{
			Path: storePath,
		},
		Scan: ScanConfig{
			Timeout:  15 * time.Second,
			Strategy: "auto",
		},
		GATT: GATTConfig{
			Watchdog: 15 * time.Second,
			MTU:      512,
			MinMTU:   128,
		},
		Tx: TxConfig{
			ResponseTimeout: 2 * time.Minute,
		},
		Events: EventsConfig{
			Buffer: 64,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path written. If a config file already exists it is left untouched
// and the returned path is empty.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	content := append([]byte("# badgelink configuration\n"), data...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
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

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be > 0")
	}

	switch c.Scan.Strategy {
	case "auto", "raw", "platform":
	default:
		return fmt.Errorf("scan.strategy must be auto, raw, or platform, got %q", c.Scan.Strategy)
	}

	if c.GATT.Watchdog <= 0 {
		return fmt.Errorf("gatt.watchdog must be > 0")
	}

	if c.GATT.MinMTU < minATTMTU {
		return fmt.Errorf("gatt.min_mtu must be >= %d, got %d", minATTMTU, c.GATT.MinMTU)
	}

	if c.GATT.MTU < c.GATT.MinMTU || c.GATT.MTU > maxATTMTU {
		return fmt.Errorf("gatt.mtu must be between gatt.min_mtu (%d) and %d, got %d", c.GATT.MinMTU, maxATTMTU, c.GATT.MTU)
	}

	if c.Tx.ResponseTimeout < 0 {
		return fmt.Errorf("tx.response_timeout must not be negative")
	}

	if c.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be > 0")
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
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
