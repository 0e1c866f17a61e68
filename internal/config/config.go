// Package config loads drawbridge.json and supplies defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all server settings
type Config struct {
	// Address the HTTP/WebSocket server listens on
	Address string `json:"address"`

	// LogDir is where dated log files are written
	LogDir string `json:"log_dir"`

	// JSONLogs switches structured logs to JSON output
	JSONLogs bool `json:"json_logs"`

	// DataDir holds the auth token database
	DataDir string `json:"data_dir"`

	// AuthTokens is a static list of accepted bearer tokens for the
	// session surface. Empty (and an empty token store) means open.
	AuthTokens []string `json:"auth_tokens"`

	// AllowedOrigins restricts websocket upgrades; empty or ["*"] allows all
	AllowedOrigins []string `json:"allowed_origins"`

	// SessionTTLMinutes is the idle eviction window for protocol sessions
	SessionTTLMinutes int `json:"session_ttl_minutes"`

	// BridgeTimeoutMs is the default bridge call deadline
	BridgeTimeoutMs int `json:"bridge_timeout_ms"`

	// CatalogTimeoutMs bounds the best-effort dynamic tool catalog fetch
	CatalogTimeoutMs int `json:"catalog_timeout_ms"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		Address:           ":3055",
		LogDir:            "logs",
		DataDir:           "data",
		SessionTTLMinutes: 30,
		BridgeTimeoutMs:   120_000,
		CatalogTimeoutMs:  5_000,
	}
}

// Load reads the config file at path, layering it over defaults. A missing
// file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is coherent
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("session_ttl_minutes must be positive")
	}
	if c.BridgeTimeoutMs <= 0 {
		return fmt.Errorf("bridge_timeout_ms must be positive")
	}
	if c.CatalogTimeoutMs <= 0 {
		return fmt.Errorf("catalog_timeout_ms must be positive")
	}
	return nil
}

// SessionTTL returns the idle eviction window as a duration
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// BridgeTimeout returns the default bridge deadline as a duration
func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.BridgeTimeoutMs) * time.Millisecond
}

// CatalogTimeout returns the catalog fetch deadline as a duration
func (c *Config) CatalogTimeout() time.Duration {
	return time.Duration(c.CatalogTimeoutMs) * time.Millisecond
}
