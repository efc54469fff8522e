// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for chatflow.
//
// Configuration lives in TOML at ~/.chatflow/config.toml, with environment
// variable overrides and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatflow configuration.
type Config struct {
	// DefaultModel is the model identifier used for new chats.
	DefaultModel string `toml:"default_model"`

	// Provider configuration
	Provider ProviderConfig `toml:"provider"`

	// Stream tuning
	Stream StreamConfig `toml:"stream"`
}

// ProviderConfig contains provider connection configuration.
type ProviderConfig struct {
	// APIKey is the provider API key. The OPENROUTER_API_KEY environment
	// variable overrides this value.
	APIKey string `toml:"api_key"`
	// BaseURL is the provider API base URL.
	BaseURL string `toml:"base_url"`
	// TimeoutSecs is the non-streaming request timeout in seconds.
	TimeoutSecs int `toml:"timeout_secs"`
}

// StreamConfig tunes the streaming engine.
type StreamConfig struct {
	// CoalesceChunks is the chunk-count bound per content update batch.
	CoalesceChunks int `toml:"coalesce_chunks"`
	// CoalesceIntervalMs is the time bound per batch, in milliseconds.
	CoalesceIntervalMs int `toml:"coalesce_interval_ms"`
	// MaxRetries bounds attempts for transient provider failures.
	MaxRetries int `toml:"max_retries"`
	// RetryBaseDelayMs is the exponential backoff base, in milliseconds.
	RetryBaseDelayMs int `toml:"retry_base_delay_ms"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		DefaultModel: "openrouter/auto",
		Provider: ProviderConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			TimeoutSecs: 60,
		},
		Stream: StreamConfig{
			CoalesceChunks:     2,
			CoalesceIntervalMs: 60,
			MaxRetries:         3,
			RetryBaseDelayMs:   500,
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Dir returns the chatflow configuration directory (~/.chatflow).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chatflow"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the config file, applies environment overrides and validates.
// A missing file yields the defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if key := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")); key != "" {
		c.Provider.APIKey = key
	}
	if url := strings.TrimSpace(os.Getenv("CHATFLOW_BASE_URL")); url != "" {
		c.Provider.BaseURL = url
	}
	if m := strings.TrimSpace(os.Getenv("CHATFLOW_MODEL")); m != "" {
		c.DefaultModel = m
	}
}

// Validate checks the configuration and clamps out-of-range tuning values.
func (c *Config) Validate() error {
	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url must not be empty")
	}
	if !strings.HasPrefix(c.Provider.BaseURL, "http://") && !strings.HasPrefix(c.Provider.BaseURL, "https://") {
		return fmt.Errorf("provider.base_url must be an http(s) URL, got %q", c.Provider.BaseURL)
	}
	if c.Provider.TimeoutSecs <= 0 {
		c.Provider.TimeoutSecs = 60
	}
	if c.Stream.CoalesceChunks <= 0 {
		c.Stream.CoalesceChunks = 2
	}
	if c.Stream.CoalesceIntervalMs <= 0 {
		c.Stream.CoalesceIntervalMs = 60
	}
	if c.Stream.MaxRetries <= 0 {
		c.Stream.MaxRetries = 3
	}
	if c.Stream.RetryBaseDelayMs <= 0 {
		c.Stream.RetryBaseDelayMs = 500
	}
	return nil
}

// Timeout returns the provider request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSecs) * time.Second
}

// CoalesceInterval returns the coalescer time bound as a duration.
func (c *Config) CoalesceInterval() time.Duration {
	return time.Duration(c.Stream.CoalesceIntervalMs) * time.Millisecond
}

// RetryBaseDelay returns the backoff base as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Stream.RetryBaseDelayMs) * time.Millisecond
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the config atomically (write temp, fsync, rename) so a crash
// mid-write never leaves a truncated config behind.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the config atomically to an explicit path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return atomicWriteFile(path, []byte(sb.String()), 0600)
}

// atomicWriteFile writes data to a temp file in the target directory,
// fsyncs it, then renames it over the destination.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// =============================================================================
// CREDENTIALS
// =============================================================================

// Credentials is a hot-reloadable credential holder implementing the
// engine's CredentialSource. The config watcher updates it when the config
// file changes on disk.
type Credentials struct {
	mu  sync.RWMutex
	key string
}

// NewCredentials creates a credential holder with an initial key.
func NewCredentials(key string) *Credentials {
	return &Credentials{key: strings.TrimSpace(key)}
}

// Credential returns the current API key, or "" when unconfigured.
func (c *Credentials) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// Set replaces the API key.
func (c *Credentials) Set(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = strings.TrimSpace(key)
}
