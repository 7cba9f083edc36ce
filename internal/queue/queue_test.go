// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stash2plex/stash2plex/internal/models"
)

func createTestConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:             filepath.Join(t.TempDir(), "queue"),
		SyncWrites:       false, // Faster tests without fsync
		LeaseDuration:    30 * time.Second,
		RetryBackoff:     1 * time.Millisecond,
		MaxRetryBackoff:  10 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		RecoveryInterval: 50 * time.Millisecond,
	}
}

func setupQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(createTestConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testJob(sceneID int) models.SyncJob {
	title := "Test Title"
	return models.SyncJob{
		SceneID:    sceneID,
		UpdateType: models.UpdateTypeMetadata,
		Data: models.SceneData{
			FilePath: "/media/scene.mp4",
			Title:    &title,
		},
		PQID: sceneID,
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig("/tmp/q")
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Path = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.LeaseDuration = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxRetryBackoff = cfg.RetryBackoff / 2
	assert.Error(t, bad.Validate())
}

func TestOpenFailsOnUnusablePath(t *testing.T) {
	cfg := createTestConfig(t)
	// A file where the store directory should be makes Badger's open fail.
	cfg.Path = filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(cfg.Path, []byte("not a directory"), 0o644))

	q, err := Open(cfg)
	require.Error(t, err)
	assert.Nil(t, q)
}

func TestPutGetAck(t *testing.T) {
	q := setupQueue(t)

	id, err := q.Put(testJob(1))
	require.NoError(t, err)

	rec, err := q.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, StatusInFlight, rec.Status)
	assert.Equal(t, 1, rec.Job.SceneID)

	require.NoError(t, q.Ack(rec))
	assert.Equal(t, StatusAcked, rec.Status)

	// Acked records are never redelivered.
	_, err = q.Get(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGetTimeoutOnEmptyQueue(t *testing.T) {
	q := setupQueue(t)

	start := time.Now()
	rec, err := q.Get(50 * time.Millisecond)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMonotonicIDsAndFIFODelivery(t *testing.T) {
	q := setupQueue(t)

	var ids []uint64
	for i := 1; i <= 5; i++ {
		id, err := q.Put(testJob(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	for i := 1; i <= 5; i++ {
		rec, err := q.Get(time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, rec.Job.SceneID)
		require.NoError(t, q.Ack(rec))
	}
}

func TestNackRedeliversWithIncrementedAttempts(t *testing.T) {
	q := setupQueue(t)

	_, err := q.Put(testJob(1))
	require.NoError(t, err)

	rec, err := q.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Attempts)

	require.NoError(t, q.Nack(rec, "plex unreachable"))
	assert.Equal(t, 1, rec.Attempts)

	again, err := q.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "plex unreachable", again.LastError)
}

func TestNackedRecordReappearsAfterLaterJobs(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.RetryBackoff = 100 * time.Millisecond
	cfg.MaxRetryBackoff = time.Second
	q, err := Open(cfg)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Put(testJob(1))
	require.NoError(t, err)
	_, err = q.Put(testJob(2))
	require.NoError(t, err)

	first, err := q.Get(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, first.Job.SceneID)
	require.NoError(t, q.Nack(first, "transient"))

	// Backoff holds scene 1 back, so scene 2 delivers first.
	next, err := q.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Job.SceneID)
	require.NoError(t, q.Ack(next))

	retried, err := q.Get(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Job.SceneID)
}

func TestAckRequiresInFlight(t *testing.T) {
	q := setupQueue(t)

	id, err := q.Put(testJob(1))
	require.NoError(t, err)

	// Never delivered: ack and nack must both refuse.
	fake := &Record{ID: id}
	assert.ErrorIs(t, q.Ack(fake), ErrNotInFlight)
	assert.ErrorIs(t, q.Nack(fake, "x"), ErrNotInFlight)

	// Unknown id.
	assert.ErrorIs(t, q.Ack(&Record{ID: id + 1000}), ErrRecordNotFound)
}

func TestDoubleAckFails(t *testing.T) {
	q := setupQueue(t)

	_, err := q.Put(testJob(1))
	require.NoError(t, err)

	rec, err := q.Get(time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Ack(rec))
	assert.ErrorIs(t, q.Ack(rec), ErrRecordNotFound)
}

func TestUnackedRecordRedeliveredAfterRestart(t *testing.T) {
	cfg := createTestConfig(t)
	q, err := Open(cfg)
	require.NoError(t, err)

	_, err = q.Put(testJob(7))
	require.NoError(t, err)

	rec, err := q.Get(time.Second)
	require.NoError(t, err)
	require.Equal(t, 7, rec.Job.SceneID)

	// Simulated crash: close without ack or nack, then reopen the same store.
	require.NoError(t, q.Close())

	q2, err := Open(cfg)
	require.NoError(t, err)
	defer q2.Close()

	redelivered, err := q2.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, redelivered.ID)
	assert.Equal(t, 7, redelivered.Job.SceneID)
}

func TestLeaseExpiryRedeliversInProcess(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.LeaseDuration = 50 * time.Millisecond
	q, err := Open(cfg)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Put(testJob(3))
	require.NoError(t, err)

	rec, err := q.Get(time.Second)
	require.NoError(t, err)

	// Consumer stalls past its lease; the record becomes claimable again.
	redelivered, err := q.Get(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, redelivered.ID)
}

func TestRecoveryLoopReclassifiesExpiredLeases(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.LeaseDuration = 30 * time.Millisecond
	q, err := Open(cfg)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Put(testJob(4))
	require.NoError(t, err)
	_, err = q.Get(time.Second)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	n, err := q.recoverExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second pass finds nothing to do.
	n, err = q.recoverExpired()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeadLetterRemovesFromActiveDelivery(t *testing.T) {
	q := setupQueue(t)

	_, err := q.Put(testJob(9))
	require.NoError(t, err)

	rec, err := q.Get(time.Second)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(rec))
	assert.Equal(t, StatusDead, rec.Status)

	_, err = q.Get(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	dead, err := q.DeadLetters()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 9, dead[0].Job.SceneID)
	assert.Equal(t, StatusDead, dead[0].Status)
}

func TestStats(t *testing.T) {
	q := setupQueue(t)

	for i := 1; i <= 3; i++ {
		_, err := q.Put(testJob(i))
		require.NoError(t, err)
	}
	rec, err := q.Get(time.Second)
	require.NoError(t, err)

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.PendingCount)
	assert.Equal(t, int64(1), stats.InFlightCount)
	assert.Equal(t, int64(3), stats.TotalPuts)

	require.NoError(t, q.Ack(rec))
	stats = q.Stats()
	assert.Equal(t, int64(1), stats.TotalAcks)
}

func TestOperationsAfterClose(t *testing.T) {
	cfg := createTestConfig(t)
	q, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close()) // second close is a no-op

	_, err = q.Put(testJob(1))
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = q.Get(time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestCloseUnblocksWaitingGet(t *testing.T) {
	q, err := Open(createTestConfig(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.Get(10 * time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not return after Close")
	}
}

func TestPutWakesBlockedGet(t *testing.T) {
	q := setupQueue(t)

	type result struct {
		rec *Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := q.Get(5 * time.Second)
		done <- result{rec, err}
	}()

	time.Sleep(30 * time.Millisecond)
	_, err := q.Put(testJob(42))
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, 42, r.rec.Job.SceneID)
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not wake after Put")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.MaxRetryBackoff = 35 * time.Millisecond
	q := &Queue{config: cfg}

	assert.Equal(t, 10*time.Millisecond, q.backoff(1))
	assert.Equal(t, 20*time.Millisecond, q.backoff(2))
	assert.Equal(t, 35*time.Millisecond, q.backoff(3)) // capped
	assert.Equal(t, time.Duration(0), q.backoff(0))
}
