// Package config handles the configuration for the lockbox CLI: where
// vault files live, the key-derivation cost, and clipboard behavior.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lockbox-cli/lockbox/internal/crypto"
)

// Config represents the lockbox configuration
type Config struct {
	Directory          string        `yaml:"directory"`
	Username           string        `yaml:"username"`
	ClipboardTTL       time.Duration `yaml:"clipboard_ttl"`
	ConfirmDestructive bool          `yaml:"confirm_destructive"`
	KDF                crypto.Params `yaml:"kdf"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Directory:          filepath.Join(home, ".local", "share", "lockbox"),
		Username:           os.Getenv("USER"),
		ClipboardTTL:       30 * time.Second,
		ConfirmDestructive: true,
		KDF:                crypto.DefaultParams(),
	}
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lockbox", "config.yaml")
}

// LoadConfig loads configuration from the given path, falling back to
// defaults when the file does not exist. An empty path selects the
// default location.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.KDF.Ops == 0 || cfg.KDF.MemoryKiB == 0 || cfg.KDF.Threads == 0 {
		cfg.KDF = crypto.DefaultParams()
	}
	return cfg, nil
}

// Save writes the configuration to the given path, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
