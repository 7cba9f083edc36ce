// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package config loads Stash2Plex configuration with layered sources:
// built-in defaults, an optional YAML file, then environment variables.
// Precedence: ENV > file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"stash2plex.yaml",
	"stash2plex.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "STASH2PLEX_CONFIG"

// envPrefix namespaces this plugin's environment variables:
// STASH2PLEX_PLEX_TOKEN -> plex.token
const envPrefix = "STASH2PLEX_"

// Config is the root configuration.
type Config struct {
	// DataDir overrides the plugin data directory. Empty means the
	// STASH_PLUGIN_DATA → home-directory fallback chain applies.
	DataDir string `koanf:"data_dir"`

	Plex  PlexConfig  `koanf:"plex" validate:"required"`
	Sync  SyncConfig  `koanf:"sync" validate:"required"`
	Queue QueueConfig `koanf:"queue" validate:"required"`
	Log   LogConfig   `koanf:"log"`
}

// PlexConfig configures the Plex Media Server connection.
type PlexConfig struct {
	URL   string `koanf:"url" validate:"required,url"`
	Token string `koanf:"token" validate:"required"`

	// Timeout bounds each HTTP request to Plex.
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`

	// RequestsPerSecond rate-limits outbound Plex calls. 0 disables limiting.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"min=0"`
}

// SyncConfig configures the worker's processing policy.
type SyncConfig struct {
	// PreservePlexEdits keeps non-empty Plex-side field values instead of
	// overwriting them from Stash.
	PreservePlexEdits bool `koanf:"preserve_plex_edits"`

	// MaxAttempts bounds redeliveries before a job is dead-lettered.
	MaxAttempts int `koanf:"max_attempts" validate:"min=1"`

	// GetTimeout is how long each queue poll blocks waiting for a job.
	GetTimeout time.Duration `koanf:"get_timeout" validate:"min=100ms"`
}

// QueueConfig tunes the durable queue.
type QueueConfig struct {
	SyncWrites       bool          `koanf:"sync_writes"`
	LeaseDuration    time.Duration `koanf:"lease_duration" validate:"min=1s"`
	RetryBackoff     time.Duration `koanf:"retry_backoff" validate:"min=0"`
	MaxRetryBackoff  time.Duration `koanf:"max_retry_backoff" validate:"min=0"`
	PollInterval     time.Duration `koanf:"poll_interval" validate:"min=10ms"`
	RecoveryInterval time.Duration `koanf:"recovery_interval" validate:"min=1s"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// defaultConfig returns the built-in defaults, overridden by file and env.
func defaultConfig() *Config {
	return &Config{
		DataDir: "",
		Plex: PlexConfig{
			URL:               "http://127.0.0.1:32400",
			Token:             "",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 4,
		},
		Sync: SyncConfig{
			PreservePlexEdits: true,
			MaxAttempts:       5,
			GetTimeout:        5 * time.Second,
		},
		Queue: QueueConfig{
			SyncWrites:       true,
			LeaseDuration:    5 * time.Minute,
			RetryBackoff:     5 * time.Second,
			MaxRetryBackoff:  5 * time.Minute,
			PollInterval:     250 * time.Millisecond,
			RecoveryInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, the first config file found
// (or configPath when non-empty), and STASH2PLEX_* environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration using struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("field %s failed %q validation", first.Namespace(), first.Tag())
		}
		return err
	}
	return nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
