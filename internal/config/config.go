package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fwkit/mcubridge/pkg/upgrade"
)

// Config holds all application configuration.
type Config struct {
	// Device is the default peripheral address when none is given on the
	// command line. On macOS this is a CoreBluetooth UUID.
	Device      string        `yaml:"device"`
	ScanTimeout int           `yaml:"scan_timeout"` // seconds
	Upgrade     UpgradeConfig `yaml:"upgrade"`
	LogLevel    string        `yaml:"log_level"`
}

// UpgradeConfig holds firmware upgrade settings.
type UpgradeConfig struct {
	Mode              string `yaml:"mode"` // test_and_confirm, confirm_only, test_only, upload_only
	EstimatedSwapTime int    `yaml:"estimated_swap_time"` // seconds
	EraseAppSettings  bool   `yaml:"erase_app_settings"`
	WindowCapacity    int    `yaml:"window_capacity"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mcubridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		ScanTimeout: 10,
		Upgrade: UpgradeConfig{
			Mode:              "test_and_confirm",
			EstimatedSwapTime: 30,
			EraseAppSettings:  true,
			WindowCapacity:    4,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes the default config to the default path, creating the
// directory if needed, and returns the written path.
func WriteDefault() (string, error) {
	dir := DefaultConfigDir()
	if dir == "" {
		return "", fmt.Errorf("cannot determine config directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshalling default config: %w", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan_timeout must be > 0")
	}

	switch c.Upgrade.Mode {
	case "test_and_confirm", "confirm_only", "test_only", "upload_only":
	default:
		return fmt.Errorf("upgrade.mode must be test_and_confirm, confirm_only, test_only, or upload_only, got %q", c.Upgrade.Mode)
	}

	if c.Upgrade.EstimatedSwapTime < 0 {
		return fmt.Errorf("upgrade.estimated_swap_time must be >= 0")
	}

	if c.Upgrade.WindowCapacity < 0 {
		return fmt.Errorf("upgrade.window_capacity must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// UpgradeOptions maps the config onto the upgrade options used per session.
func (c *Config) UpgradeOptions() upgrade.Options {
	opts := upgrade.DefaultOptions()
	opts.Mode = parseMode(c.Upgrade.Mode)
	opts.EstimatedSwapTime = c.Upgrade.EstimatedSwapTime
	opts.EraseAppSettings = c.Upgrade.EraseAppSettings
	opts.WindowCapacity = c.Upgrade.WindowCapacity
	return opts
}

func parseMode(s string) upgrade.Mode {
	switch s {
	case "confirm_only":
		return upgrade.ModeConfirmOnly
	case "test_only":
		return upgrade.ModeTestOnly
	case "upload_only":
		return upgrade.ModeUploadOnly
	default:
		return upgrade.ModeTestAndConfirm
	}
}
