// Package config holds all atapbridge configuration: portal endpoint,
// session storage, retry bounds and the browser capture settings. Values
// come from an optional YAML file with environment variable overrides on
// top, so container deployments need no file at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// Portal endpoint and how we present ourselves to it.
	Portal PortalConfig `yaml:"portal"`

	// Session state persistence.
	Store StoreConfig `yaml:"store"`

	// Retry bounds for transport failures.
	Retry RetryConfig `yaml:"retry"`

	// Interactive browser cookie capture.
	Capture CaptureConfig `yaml:"capture"`
}

// PortalConfig describes the remote portal.
type PortalConfig struct {
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StoreConfig selects and locates the session store backend.
type StoreConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`
	// Dir holds per-session JSON blobs for the file backend.
	Dir string `yaml:"dir"`
	// DBPath is the sqlite database location for the sqlite backend.
	DBPath string `yaml:"db_path"`
	// SessionID names the session used by default.
	SessionID string `yaml:"session_id"`
}

// RetryConfig bounds transport-failure retries.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

// CaptureConfig configures the interactive browser login.
type CaptureConfig struct {
	// Bin is an explicit Chrome/Chromium binary; empty lets the launcher
	// find one.
	Bin string `yaml:"bin"`
	// Timeout bounds how long we wait for the operator to finish logging
	// in.
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the stock configuration, pointed at the production
// portal.
func Default() *Config {
	return &Config{
		Portal: PortalConfig{
			BaseURL:   "https://atap.seda.gov.my",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Timeout:   30 * time.Second,
		},
		Store: StoreConfig{
			Backend:   "file",
			Dir:       defaultStorageDir(),
			DBPath:    filepath.Join(defaultStorageDir(), "sessions.db"),
			SessionID: "default",
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Backoff:    500 * time.Millisecond,
		},
		Capture: CaptureConfig{
			Timeout: 5 * time.Minute,
		},
	}
}

// defaultStorageDir prefers a mounted /storage volume (how the hosted
// deployments persist state) and falls back to a local directory.
func defaultStorageDir() string {
	if info, err := os.Stat("/storage"); err == nil && info.IsDir() {
		return "/storage"
	}
	return "storage"
}

// Load reads the YAML file at path (a missing file is fine: defaults apply)
// and layers environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ATAP_BASE_URL"); v != "" {
		c.Portal.BaseURL = v
	}
	if v := os.Getenv("ATAP_USER_AGENT"); v != "" {
		c.Portal.UserAgent = v
	}
	if v := os.Getenv("ATAP_STORAGE_DIR"); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv("ATAP_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("ATAP_DB"); v != "" {
		c.Store.DBPath = v
	}
	if v := os.Getenv("ATAP_SESSION"); v != "" {
		c.Store.SessionID = v
	}
	if v := os.Getenv("ATAP_CHROME_BIN"); v != "" {
		c.Capture.Bin = v
	}
}

// Validate rejects configurations the rest of the system cannot run with.
func (c *Config) Validate() error {
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url required")
	}
	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.backend must be file or sqlite, got %q", c.Store.Backend)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	return nil
}
