// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/stash2plex/stash2plex/internal/logging"
)

// DataDirEnvVar overrides the default data root when set.
const DataDirEnvVar = "STASH_PLUGIN_DATA"

// defaultDataDirSuffix is appended to the home directory when neither an
// explicit path nor the environment variable is given.
var defaultDataDirSuffix = filepath.Join(".stash", "plugins", "Stash2Plex", "data")

// ResolveDataDir resolves the plugin data directory with the precedence
// explicit argument → environment variable → home-directory fallback.
//
// getenv and home are injected so resolution is testable without mutating
// process state; pass os.Getenv and os.UserHomeDir in production.
func ResolveDataDir(explicit string, getenv func(string) string, home func() (string, error)) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := getenv(DataDirEnvVar); env != "" {
		return env, nil
	}
	h, err := home()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(h, defaultDataDirSuffix), nil
}

// Manager resolves the on-disk layout and owns the lifecycle of the process's
// durable queue. The queue lives at <data_dir>/queue.
type Manager struct {
	dataDir string
	config  Config

	mu    sync.Mutex
	queue *Queue
	down  bool
}

// NewManager creates a queue manager rooted at the resolved data directory
// and ensures the queue subdirectory exists. dataDir may be empty, in which
// case the environment variable and home-directory fallbacks apply. cfg.Path
// is overridden with the resolved queue directory.
//
// Opening the underlying store happens here: failure is fatal to startup and
// no manager is returned.
func NewManager(dataDir string, cfg Config) (*Manager, error) {
	resolved, err := ResolveDataDir(dataDir, os.Getenv, os.UserHomeDir)
	if err != nil {
		return nil, err
	}

	queueDir := filepath.Join(resolved, "queue")
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	cfg.Path = queueDir
	q, err := Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("durable queue unavailable at %s: %w", queueDir, err)
	}

	logging.Info().Str("data_dir", resolved).Msg("queue manager initialized")
	return &Manager{dataDir: resolved, config: cfg, queue: q}, nil
}

// DataDir returns the resolved data directory.
func (m *Manager) DataDir() string { return m.dataDir }

// GetQueue returns the singleton durable queue for this manager's lifetime.
// Repeated calls return the same instance; after Shutdown it returns nil.
func (m *Manager) GetQueue() *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil
	}
	return m.queue
}

// Shutdown flushes and releases the queue's storage handle. It is safe to
// call before any job was processed and safe to call twice; the second call
// is a no-op.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil
	}
	m.down = true

	// The shutdown notice goes to stdout; plugin hosts surface stdout lines
	// to the user.
	fmt.Fprintln(os.Stdout, "Stash2Plex queue shutting down")
	logging.Info().Msg("queue manager shutting down")

	if err := m.queue.Close(); err != nil {
		return fmt.Errorf("shutdown queue: %w", err)
	}
	return nil
}
