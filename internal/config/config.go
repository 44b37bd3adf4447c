// Package config provides configuration loading and validation
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Phone    PhoneConfig    `yaml:"phone"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`      // Plaintext key; prefer api_key_hash
	APIKeyHash   string        `yaml:"api_key_hash"` // bcrypt hash produced by 'wpp apikey hash'
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // HTTP read timeout (default: 30s)
	WriteTimeout time.Duration `yaml:"write_timeout"` // HTTP write timeout (default: 0, SSE streams stay open)
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // HTTP idle timeout (default: 60s)
}

// StorageConfig contains on-disk storage settings. Paths left empty are
// derived from data_dir.
type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	PreferencesPath string `yaml:"preferences_path"` // JSON preferences file
	HistoryPath     string `yaml:"history_path"`     // bbolt run history database
	SessionDBPath   string `yaml:"session_db_path"`  // SQLite WhatsApp session store
	QRDir           string `yaml:"qr_dir"`           // Directory for pairing QR code images
}

// PhoneConfig contains phone number canonicalization settings
type PhoneConfig struct {
	CountryCode string `yaml:"country_code"` // Prefix added to short local numbers (default: 593)
	TrunkPrefix string `yaml:"trunk_prefix"` // Leading digit replaced by the country code (default: 0)
}

// DeliveryConfig contains message delivery settings
type DeliveryConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`  // Per-message send timeout (default: 1m)
	SendsPerMinute int           `yaml:"sends_per_minute"` // Hard rate cap across all runs (0 = uncapped)
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.DataDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.Storage.DataDir = filepath.Join(dir, "wpp")
		} else {
			c.Storage.DataDir = "data"
		}
	}
	if c.Storage.PreferencesPath == "" {
		c.Storage.PreferencesPath = filepath.Join(c.Storage.DataDir, "preferences.json")
	}
	if c.Storage.HistoryPath == "" {
		c.Storage.HistoryPath = filepath.Join(c.Storage.DataDir, "history.db")
	}
	if c.Storage.SessionDBPath == "" {
		c.Storage.SessionDBPath = filepath.Join(c.Storage.DataDir, "session.db")
	}
	if c.Storage.QRDir == "" {
		c.Storage.QRDir = filepath.Join(c.Storage.DataDir, "qr")
	}

	if c.Phone.CountryCode == "" {
		c.Phone.CountryCode = "593"
	}
	if c.Phone.TrunkPrefix == "" {
		c.Phone.TrunkPrefix = "0"
	}

	if c.Delivery.AttemptTimeout == 0 {
		c.Delivery.AttemptTimeout = time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.API.APIKey != "" && c.API.APIKeyHash != "" {
		return fmt.Errorf("api.api_key and api.api_key_hash are mutually exclusive")
	}

	for _, f := range []struct{ name, value string }{
		{"phone.country_code", c.Phone.CountryCode},
		{"phone.trunk_prefix", c.Phone.TrunkPrefix},
	} {
		for _, r := range f.value {
			if r < '0' || r > '9' {
				return fmt.Errorf("%s must contain only digits, got %q", f.name, f.value)
			}
		}
	}

	if c.Delivery.SendsPerMinute < 0 {
		return fmt.Errorf("delivery.sends_per_minute must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
