// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package queue

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/models"
)

// Status is the delivery state of a queue record.
type Status string

const (
	// StatusPending means the record is waiting for delivery.
	StatusPending Status = "pending"
	// StatusInFlight means the record is leased to a consumer.
	StatusInFlight Status = "in-flight"
	// StatusAcked means the record was committed and removed; only ever seen
	// on the consumer's copy after a successful Ack.
	StatusAcked Status = "acked"
	// StatusDead means the record was dead-lettered.
	StatusDead Status = "dead"
)

// Record wraps a SyncJob with delivery metadata. Records are owned by the
// queue; consumers receive copies and hand them back to Ack/Nack/DeadLetter.
type Record struct {
	// ID is the monotonically increasing record identifier.
	ID uint64 `json:"id"`

	// Job is the sync job payload.
	Job models.SyncJob `json:"job"`

	Status Status `json:"status"`

	// Attempts counts deliveries that ended in Nack.
	Attempts int `json:"attempts"`

	EnqueuedAt    time.Time `json:"enqueued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`

	// NotBefore delays redelivery after a Nack (exponential backoff). A
	// nacked record therefore reappears behind records enqueued later.
	NotBefore time.Time `json:"not_before,omitempty"`

	// LeaseExpiry is when the current delivery lease lapses. An in-flight
	// record whose lease has lapsed is claimable again; this is the crash
	// recovery path.
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`

	// LeaseHolder identifies the consumer holding the lease.
	LeaseHolder string `json:"lease_holder,omitempty"`
}

// Key prefixes inside the Badger store.
const (
	prefixJob  = "job:"
	prefixDead = "dead:"
	seqKey     = "queue-seq"
)

// seqBandwidth is the Badger sequence lease size. Small keeps id gaps after
// restart small; ids only need to be monotonic, not dense.
const seqBandwidth = 16

func jobKey(id uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", prefixJob, id)
}

func deadKey(id uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", prefixDead, id)
}

// Errors
var (
	// ErrQueueClosed is returned by all operations after Close.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrTimeout is returned by Get when no record became available within
	// the timeout. It signals an empty poll, not a failure.
	ErrTimeout = errors.New("queue get timed out")

	// ErrNotInFlight is returned by Ack/Nack when the record is not currently
	// leased to the caller.
	ErrNotInFlight = errors.New("record is not in flight to this consumer")

	// ErrRecordNotFound is returned when a record id does not exist.
	ErrRecordNotFound = errors.New("record not found")
)

// Queue is a durable at-least-once job queue over BadgerDB.
//
// Concurrent producers and consumers are safe: all state transitions happen
// inside Badger transactions, serialized by the store itself. A single
// process normally runs one consumer loop, but nothing here assumes that.
type Queue struct {
	db     *badger.DB
	seq    *badger.Sequence
	config Config

	// holder identifies this queue instance as a lease holder.
	holder string

	// notify wakes blocked Get calls after Put/Nack.
	notify chan struct{}
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
	ops    sync.WaitGroup

	totalPuts        atomic.Int64
	totalAcks        atomic.Int64
	totalNacks       atomic.Int64
	totalDeadLetters atomic.Int64
}

// Stats contains queue counters for monitoring.
type Stats struct {
	PendingCount     int64
	InFlightCount    int64
	DeadCount        int64
	TotalPuts        int64
	TotalAcks        int64
	TotalNacks       int64
	TotalDeadLetters int64
	DBSizeBytes      int64
}

// Open opens (or creates) the durable queue at cfg.Path.
//
// This is a startup-time fatal path: if the Badger store cannot be opened no
// queue exists and the caller must not start a worker. An initial recovery
// pass reclassifies records whose lease lapsed in a previous run.
func Open(cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}

	q := &Queue{
		db:     db,
		seq:    seq,
		config: cfg,
		holder: fmt.Sprintf("queue-%s", uuid.New().String()[:8]),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	recovered, err := q.recoverLeases(true)
	if err != nil {
		_ = seq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("startup recovery: %w", err)
	}
	if recovered > 0 {
		logging.Info().Int("records", recovered).Msg("queue recovered unacked records from previous run")
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("queue opened")
	return q, nil
}

// runTxn runs a read-modify-write transaction, retrying on conflict.
// Conflicts are expected when producers and consumers touch overlapping key
// ranges; re-running the closure against fresh state is always correct here.
func (q *Queue) runTxn(fn func(txn *badger.Txn) error) error {
	for {
		err := q.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// begin registers an operation, failing if the queue is closed. The returned
// func must be deferred.
func (q *Queue) begin() (func(), error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	q.ops.Add(1)
	return q.ops.Done, nil
}

// Put durably appends a new record for job and returns its assigned id.
// Returns after the write is committed to stable storage; never blocks on
// consumers.
func (q *Queue) Put(job models.SyncJob) (uint64, error) {
	end, err := q.begin()
	if err != nil {
		return 0, err
	}
	defer end()

	id, err := q.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next record id: %w", err)
	}

	rec := Record{
		ID:         id,
		Job:        job,
		Status:     StatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}

	q.totalPuts.Add(1)
	recordPut()
	q.wake()

	logging.Debug().
		Uint64("record_id", id).
		Int("scene_id", job.SceneID).
		Msg("queue put")
	return id, nil
}

// Get returns the oldest deliverable record, marking it in-flight under a
// lease, and blocks up to timeout when the queue is empty. On expiry it
// returns ErrTimeout, which is an empty poll rather than a failure.
func (q *Queue) Get(timeout time.Duration) (*Record, error) {
	end, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	deadline := time.Now().Add(timeout)
	for {
		rec, err := q.claimNext()
		if err != nil {
			return nil, err
		}
		if rec != nil {
			recordDelivery()
			return rec, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		wait := q.config.PollInterval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		case <-q.done:
			timer.Stop()
			return nil, ErrQueueClosed
		}
	}
}

// claimNext scans records in id order and leases the first deliverable one.
// Returns (nil, nil) when nothing is deliverable right now.
func (q *Queue) claimNext() (*Record, error) {
	var claimed *Record
	now := time.Now().UTC()

	err := q.runTxn(func(txn *badger.Txn) error {
		claimed = nil
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
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("queue skipping unreadable record")
				continue
			}

			if !deliverable(&rec, now) {
				continue
			}

			rec.Status = StatusInFlight
			rec.LeaseExpiry = now.Add(q.config.LeaseDuration)
			rec.LeaseHolder = q.holder
			rec.LastAttemptAt = now

			data, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("marshal claimed record: %w", err)
			}
			if err := txn.Set(jobKey(rec.ID), data); err != nil {
				return fmt.Errorf("lease record: %w", err)
			}

			claimed = &rec
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// deliverable reports whether rec can be handed to a consumer at now.
func deliverable(rec *Record, now time.Time) bool {
	switch rec.Status {
	case StatusPending:
		return !now.Before(rec.NotBefore)
	case StatusInFlight:
		// Lapsed lease: previous consumer crashed without ack/nack.
		return now.After(rec.LeaseExpiry)
	default:
		return false
	}
}

// Ack commits removal of a record. Valid only for a record currently leased
// to this queue instance; an acked record is never redelivered.
func (q *Queue) Ack(rec *Record) error {
	end, err := q.begin()
	if err != nil {
		return err
	}
	defer end()

	err = q.runTxn(func(txn *badger.Txn) error {
		stored, err := q.readRecord(txn, jobKey(rec.ID))
		if err != nil {
			return err
		}
		if stored.Status != StatusInFlight || stored.LeaseHolder != q.holder {
			return ErrNotInFlight
		}
		return txn.Delete(jobKey(rec.ID))
	})
	if err != nil {
		return err
	}

	rec.Status = StatusAcked
	q.totalAcks.Add(1)
	recordAck()

	logging.Debug().Uint64("record_id", rec.ID).Msg("queue ack")
	return nil
}

// Nack returns a record to pending for redelivery, incrementing its attempt
// counter and applying exponential backoff. reason is retained on the record
// for later inspection.
func (q *Queue) Nack(rec *Record, reason string) error {
	end, err := q.begin()
	if err != nil {
		return err
	}
	defer end()

	var attempts int
	err = q.runTxn(func(txn *badger.Txn) error {
		stored, err := q.readRecord(txn, jobKey(rec.ID))
		if err != nil {
			return err
		}
		if stored.Status != StatusInFlight || stored.LeaseHolder != q.holder {
			return ErrNotInFlight
		}

		stored.Status = StatusPending
		stored.Attempts++
		stored.LastError = reason
		stored.NotBefore = time.Now().UTC().Add(q.backoff(stored.Attempts))
		stored.LeaseExpiry = time.Time{}
		stored.LeaseHolder = ""
		attempts = stored.Attempts

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal nacked record: %w", err)
		}
		return txn.Set(jobKey(rec.ID), data)
	})
	if err != nil {
		return err
	}

	rec.Status = StatusPending
	rec.Attempts = attempts
	q.totalNacks.Add(1)
	recordNack()
	q.wake()

	logging.Debug().
		Uint64("record_id", rec.ID).
		Int("attempts", attempts).
		Str("reason", reason).
		Msg("queue nack")
	return nil
}

// DeadLetter moves a record out of active redelivery into the dead-letter
// prefix, where it stays for inspection or manual requeue.
func (q *Queue) DeadLetter(rec *Record) error {
	end, err := q.begin()
	if err != nil {
		return err
	}
	defer end()

	err = q.runTxn(func(txn *badger.Txn) error {
		stored, err := q.readRecord(txn, jobKey(rec.ID))
		if err != nil {
			return err
		}
		if stored.Status != StatusInFlight || stored.LeaseHolder != q.holder {
			return ErrNotInFlight
		}

		stored.Status = StatusDead
		stored.LeaseExpiry = time.Time{}
		stored.LeaseHolder = ""

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal dead record: %w", err)
		}
		if err := txn.Set(deadKey(rec.ID), data); err != nil {
			return fmt.Errorf("write dead record: %w", err)
		}
		return txn.Delete(jobKey(rec.ID))
	})
	if err != nil {
		return err
	}

	rec.Status = StatusDead
	q.totalDeadLetters.Add(1)
	recordDeadLetter()

	logging.Warn().
		Uint64("record_id", rec.ID).
		Int("scene_id", rec.Job.SceneID).
		Int("attempts", rec.Attempts).
		Msg("queue dead-lettered record")
	return nil
}

// DeadLetters returns all dead-lettered records in id order.
func (q *Queue) DeadLetters() ([]*Record, error) {
	end, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	var records []*Record
	err = q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixDead)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return records, nil
}

// readRecord loads and unmarshals a record inside txn.
func (q *Queue) readRecord(txn *badger.Txn, key []byte) (*Record, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// backoff computes the redelivery delay after the given attempt count.
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 || q.config.RetryBackoff == 0 {
		return 0
	}
	d := float64(q.config.RetryBackoff) * math.Pow(2, float64(attempts-1))
	if d > float64(q.config.MaxRetryBackoff) {
		return q.config.MaxRetryBackoff
	}
	return time.Duration(d)
}

// wake signals one blocked Get without blocking the caller.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Stats returns current queue counters.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return Stats{}
	}

	var pending, inflight, dead int64
	now := time.Now().UTC()

	if err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixJob)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if rec.Status == StatusInFlight && now.Before(rec.LeaseExpiry) {
				inflight++
			} else {
				pending++
			}
		}

		deadPrefix := []byte(prefixDead)
		for it.Seek(deadPrefix); it.ValidForPrefix(deadPrefix); it.Next() {
			dead++
		}
		return nil
	}); err != nil {
		logging.Warn().Err(err).Msg("queue stats scan failed")
	}

	lsm, vlog := q.db.Size()

	stats := Stats{
		PendingCount:     pending,
		InFlightCount:    inflight,
		DeadCount:        dead,
		TotalPuts:        q.totalPuts.Load(),
		TotalAcks:        q.totalAcks.Load(),
		TotalNacks:       q.totalNacks.Load(),
		TotalDeadLetters: q.totalDeadLetters.Load(),
		DBSizeBytes:      lsm + vlog,
	}
	updateDepthGauges(pending, inflight, dead)
	return stats
}

// Close flushes and releases the underlying store. New Get calls are
// rejected, blocked Gets return ErrQueueClosed, and operations already in
// progress are allowed to finish first. Safe to call twice. Unacked records
// stay in the store and are recovered on the next Open.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.ops.Wait()

	if err := q.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("queue sequence release failed")
	}
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("close queue store: %w", err)
	}
	logging.Info().Msg("queue closed")
	return nil
}
