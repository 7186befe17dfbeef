package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `json:"api"`

	// Storage paths and persistence driver
	Storage StorageConfig `json:"storage"`

	// Queue behavior
	Queue QueueConfig `json:"queue"`

	// Session lifecycle
	Session SessionConfig `json:"session"`

	// Logging
	Log LogConfig `json:"log"`
}

// APIConfig for backend communication.
type APIConfig struct {
	BaseURL   string        `json:"base_url"`
	EventsURL string        `json:"events_url"` // websocket endpoint for connectivity
	Timeout   time.Duration `json:"timeout"`
	UserAgent string        `json:"user_agent"`
}

// StorageConfig for local persistence.
type StorageConfig struct {
	DataDir string `json:"data_dir"` // base directory for all persisted state
	Driver  string `json:"driver"`   // "json" or "sqlite"
}

// QueueConfig for offline write queue behavior.
type QueueConfig struct {
	DrainOnStart bool `json:"drain_on_start"` // drain immediately when starting online
}

// SessionConfig for token lifecycle behavior.
type SessionConfig struct {
	// RefreshAhead is how long before expiry the proactive refresh
	// fires. An expiry closer than this is treated as already due.
	RefreshAhead time.Duration `json:"refresh_ahead"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
	File   string `json:"file"`   // log file path (empty = stdout)
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".synckit"

	return &Config{
		API: APIConfig{
			BaseURL:   "https://api.opsdeck.io",
			EventsURL: "wss://api.opsdeck.io/api/v1/events",
			Timeout:   30 * time.Second,
			UserAgent: "synckit-go",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			Driver:  "json",
		},
		Queue: QueueConfig{
			DrainOnStart: true,
		},
		Session: SessionConfig{
			RefreshAhead: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.Storage.Driver != "json" && c.Storage.Driver != "sqlite" {
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	if c.Session.RefreshAhead <= 0 {
		return errors.New("session.refresh_ahead must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
