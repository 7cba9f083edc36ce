// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package queue

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/thejerf/suture/v4"

	"github.com/stash2plex/stash2plex/internal/logging"
)

// recoverExpired reclassifies in-flight records with a lapsed lease as
// pending, making crashed deliveries visible without waiting for a consumer's
// claim scan. Idempotent: a record is only touched when its lease has lapsed.
func (q *Queue) recoverExpired() (int, error) {
	return q.recoverLeases(false)
}

// recoverLeases resets in-flight records to pending. With force, leases are
// reset regardless of expiry: Badger holds an exclusive directory lock, so at
// Open time any in-flight record was leased by a process that no longer runs.
func (q *Queue) recoverLeases(force bool) (int, error) {
	now := time.Now().UTC()
	recovered := 0

	err := q.runTxn(func(txn *badger.Txn) error {
		recovered = 0
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixJob)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			var rec Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("recovery skipping unreadable record")
				continue
			}

			if rec.Status != StatusInFlight {
				continue
			}
			if !force && now.Before(rec.LeaseExpiry) {
				continue
			}

			rec.Status = StatusPending
			rec.LeaseExpiry = time.Time{}
			rec.LeaseHolder = ""

			data, err := json.Marshal(&rec)
			if err != nil {
				continue
			}
			if err := txn.Set(jobKey(rec.ID), data); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if recovered > 0 {
		recordRecovered(recovered)
		q.wake()
	}
	return recovered, nil
}

// RecoveryLoop periodically runs lease recovery on a queue. It implements
// suture.Service and runs until its context is canceled.
type RecoveryLoop struct {
	queue    *Queue
	interval time.Duration
}

// NewRecoveryLoop creates a recovery loop for q using q's configured
// recovery interval.
func NewRecoveryLoop(q *Queue) *RecoveryLoop {
	return &RecoveryLoop{queue: q, interval: q.config.RecoveryInterval}
}

// Serve runs the recovery loop until ctx is canceled or the queue closes.
func (r *RecoveryLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.queue.done:
			return suture.ErrDoNotRestart
		case <-ticker.C:
			end, err := r.queue.begin()
			if err != nil {
				return suture.ErrDoNotRestart
			}
			n, err := r.queue.recoverExpired()
			end()
			if err != nil {
				logging.Error().Err(err).Msg("lease recovery pass failed")
				continue
			}
			if n > 0 {
				logging.Info().Int("records", n).Msg("lease recovery reclassified expired deliveries")
			}
		}
	}
}

// String labels the service in supervisor logs.
func (r *RecoveryLoop) String() string { return "queue-recovery" }
