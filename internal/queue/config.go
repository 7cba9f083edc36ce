// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package queue provides a durable, crash-safe job queue for sync work,
// backed by BadgerDB. Jobs are persisted before delivery and survive process
// crashes; delivery is at-least-once, so consumers must be idempotent.
//
// Ownership protocol: Put hands a record to the store, Get transfers a
// bounded lease to the caller, Ack finalizes removal, Nack returns the record
// to the store for redelivery. A crash while holding a lease is recovered by
// lease expiry.
package queue

import (
	"fmt"
	"time"
)

// Config holds durable queue tuning.
type Config struct {
	// Path is the directory where BadgerDB stores queue data.
	// Should be on a durable filesystem (not tmpfs).
	Path string

	// SyncWrites forces fsync after every write. Leave enabled in production;
	// tests disable it for speed.
	SyncWrites bool

	// LeaseDuration is how long a delivered record stays owned by its
	// consumer before an unacked delivery becomes claimable again.
	LeaseDuration time.Duration

	// RetryBackoff is the initial redelivery delay after a Nack. The delay
	// doubles per attempt up to MaxRetryBackoff.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the per-attempt redelivery delay.
	MaxRetryBackoff time.Duration

	// PollInterval bounds how long a blocked Get sleeps between claim scans
	// when no wakeup signal arrives (covers lease expiry and backoff expiry,
	// which produce no signal).
	PollInterval time.Duration

	// RecoveryInterval is how often the background recovery loop reclassifies
	// expired-lease records as pending.
	RecoveryInterval time.Duration
}

// DefaultConfig returns production defaults for a queue rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		SyncWrites:       true,
		LeaseDuration:    5 * time.Minute,
		RetryBackoff:     5 * time.Second,
		MaxRetryBackoff:  5 * time.Minute,
		PollInterval:     250 * time.Millisecond,
		RecoveryInterval: 30 * time.Second,
	}
}

// Validate checks the configuration for values that would break the
// ownership protocol.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("queue path cannot be empty")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive, got %v", c.LeaseDuration)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative, got %v", c.RetryBackoff)
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		return fmt.Errorf("max retry backoff %v is below retry backoff %v", c.MaxRetryBackoff, c.RetryBackoff)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.RecoveryInterval <= 0 {
		return fmt.Errorf("recovery interval must be positive, got %v", c.RecoveryInterval)
	}
	return nil
}
