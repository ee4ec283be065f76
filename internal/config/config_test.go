package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Store.Path == "" {
		t.Error("Store.Path should not be empty")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, "text")
	}
	if cfg.Scan.Timeout != 15*time.Second {
		t.Errorf("Scan.Timeout = %v, want 15s", cfg.Scan.Timeout)
	}
	if cfg.Scan.Strategy != "auto" {
		t.Errorf("Scan.Strategy = %q, want %q", cfg.Scan.Strategy, "auto")
	}
	if cfg.GATT.Watchdog != 15*time.Second {
		t.Errorf("GATT.Watchdog = %v, want 15s", cfg.GATT.Watchdog)
	}
	if cfg.GATT.MTU != 512 {
		t.Errorf("GATT.MTU = %d, want 512", cfg.GATT.MTU)
	}
	if cfg.GATT.MinMTU != 128 {
		t.Errorf("GATT.MinMTU = %d, want 128", cfg.GATT.MinMTU)
	}
	if cfg.Events.Buffer != 64 {
		t.Errorf("Events.Buffer = %d, want 64", cfg.Events.Buffer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
log_format: json
store:
  path: /tmp/badges.db
scan:
  timeout: 30s
  strategy: raw
gatt:
  watchdog: 20s
  mtu: 256
  min_mtu: 64
tx:
  response_timeout: 0s
events:
  buffer: 8
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, "json")
	}
	if cfg.Store.Path != "/tmp/badges.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "/tmp/badges.db")
	}
	if cfg.Scan.Timeout != 30*time.Second {
		t.Errorf("Scan.Timeout = %v, want 30s", cfg.Scan.Timeout)
	}
	if cfg.Scan.Strategy != "raw" {
		t.Errorf("Scan.Strategy = %q, want %q", cfg.Scan.Strategy, "raw")
	}
	if cfg.GATT.Watchdog != 20*time.Second {
		t.Errorf("GATT.Watchdog = %v, want 20s", cfg.GATT.Watchdog)
	}
	if cfg.GATT.MTU != 256 || cfg.GATT.MinMTU != 64 {
		t.Errorf("GATT MTU = %d/%d, want 256/64", cfg.GATT.MTU, cfg.GATT.MinMTU)
	}
	if cfg.Tx.ResponseTimeout != 0 {
		t.Errorf("Tx.ResponseTimeout = %v, want 0", cfg.Tx.ResponseTimeout)
	}
	if cfg.Events.Buffer != 8 {
		t.Errorf("Events.Buffer = %d, want 8", cfg.Events.Buffer)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("scan:\n  strategy: platform\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scan.Strategy != "platform" {
		t.Errorf("Scan.Strategy = %q, want %q", cfg.Scan.Strategy, "platform")
	}
	if cfg.Scan.Timeout != 15*time.Second {
		t.Errorf("Scan.Timeout = %v, want default 15s", cfg.Scan.Timeout)
	}
	if cfg.GATT.MTU != 512 {
		t.Errorf("GATT.MTU = %d, want default 512", cfg.GATT.MTU)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
store:
  path: ~/badges/test.db
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "badges/test.db")
	if cfg.Store.Path != expected {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("scan:\n  timeout: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should reject an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: true,
		},
		{
			name:    "empty store path",
			modify:  func(c *Config) { c.Store.Path = "" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Scan.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "invalid scan strategy",
			modify:  func(c *Config) { c.Scan.Strategy = "sniff" },
			wantErr: true,
		},
		{
			name:    "zero watchdog",
			modify:  func(c *Config) { c.GATT.Watchdog = 0 },
			wantErr: true,
		},
		{
			name:    "mtu below floor",
			modify:  func(c *Config) { c.GATT.MTU = 100 },
			wantErr: true,
		},
		{
			name:    "mtu above att maximum",
			modify:  func(c *Config) { c.GATT.MTU = 1024 },
			wantErr: true,
		},
		{
			name:    "floor below att minimum",
			modify:  func(c *Config) { c.GATT.MinMTU = 16 },
			wantErr: true,
		},
		{
			name:    "negative response timeout",
			modify:  func(c *Config) { c.Tx.ResponseTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "disabled response timeout",
			modify:  func(c *Config) { c.Tx.ResponseTimeout = 0 },
			wantErr: false,
		},
		{
			name:    "zero event buffer",
			modify:  func(c *Config) { c.Events.Buffer = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "badgelink", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# badgelink") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.GATT.Watchdog != 15*time.Second {
		t.Errorf("written config GATT.Watchdog = %v, want 15s", cfg.GATT.Watchdog)
	}
	if cfg.Scan.Strategy != "auto" {
		t.Errorf("written config Scan.Strategy = %q, want %q", cfg.Scan.Strategy, "auto")
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "badgelink")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
