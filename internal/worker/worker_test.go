// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/stash2plex/stash2plex/internal/models"
	"github.com/stash2plex/stash2plex/internal/queue"
	"github.com/stash2plex/stash2plex/internal/store"
)

// fakeEntity is an in-memory target item. State mutations mirror the real
// adapter: group edits carry absolute values.
type fakeEntity struct {
	mu    sync.Mutex
	state models.Snapshot

	editErr   map[string]error // group name → injected failure
	reloadErr error
	edits     []string // group call order, for assertions
}

func (e *fakeEntity) Read(context.Context) (models.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

func (e *fakeEntity) group(name string) error {
	e.edits = append(e.edits, name)
	if err := e.editErr[name]; err != nil {
		return err
	}
	return nil
}

func (e *fakeEntity) EditMetadata(_ context.Context, fields map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.group("metadata"); err != nil {
		return err
	}
	if v, ok := fields[models.FieldTitle]; ok {
		e.state.Title = v
	}
	if v, ok := fields[models.FieldSummary]; ok {
		e.state.Summary = v
	}
	if v, ok := fields[models.FieldStudio]; ok {
		e.state.Studio = v
	}
	return nil
}

func (e *fakeEntity) EditActors(_ context.Context, actors []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.group("actors"); err != nil {
		return err
	}
	e.state.Actors = actors
	return nil
}

func (e *fakeEntity) EditGenres(_ context.Context, genres []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.group("genres"); err != nil {
		return err
	}
	e.state.Genres = genres
	return nil
}

func (e *fakeEntity) EditCollections(_ context.Context, collections []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.group("collections"); err != nil {
		return err
	}
	e.state.Collections = collections
	return nil
}

func (e *fakeEntity) Reload(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reloadErr
}

func (e *fakeEntity) snapshot() models.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// fakeClient maps file paths to entities.
type fakeClient struct {
	mu        sync.Mutex
	items     map[string]*fakeEntity
	searchErr error
}

func (c *fakeClient) Search(_ context.Context, path string) ([]TargetEntity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	if e, ok := c.items[path]; ok {
		return []TargetEntity{e}, nil
	}
	return nil, nil
}

func (c *fakeClient) setSearchErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchErr = err
}

type harness struct {
	queue  *queue.Queue
	store  *store.Store
	client *fakeClient
	worker *Worker
}

func setup(t *testing.T, cfg Config) *harness {
	t.Helper()

	qcfg := queue.DefaultConfig(filepath.Join(t.TempDir(), "queue"))
	qcfg.SyncWrites = false
	qcfg.RetryBackoff = time.Millisecond
	qcfg.MaxRetryBackoff = 10 * time.Millisecond
	qcfg.PollInterval = 10 * time.Millisecond
	q, err := queue.Open(qcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	client := &fakeClient{items: make(map[string]*fakeEntity)}
	if cfg.GetTimeout == 0 {
		cfg.GetTimeout = time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	return &harness{
		queue:  q,
		store:  s,
		client: client,
		worker: New(q, client, s, cfg),
	}
}

// runOne delivers the next record and drives it to a terminal outcome.
func (h *harness) runOne(t *testing.T) {
	t.Helper()
	rec, err := h.queue.Get(time.Second)
	require.NoError(t, err)
	h.worker.handle(context.Background(), rec)
}

func strptr(s string) *string { return &s }

func syncJob(sceneID int, data models.SceneData) models.SyncJob {
	return models.SyncJob{
		SceneID:    sceneID,
		UpdateType: models.UpdateTypeMetadata,
		Data:       data,
		PQID:       sceneID,
	}
}

func TestEndToEndOverwrite(t *testing.T) {
	h := setup(t, Config{PreservePlexEdits: false})
	entity := &fakeEntity{state: models.Snapshot{Title: "Old"}}
	h.client.items["/media/scene1.mp4"] = entity

	require.NoError(t, h.store.MarkScenePending(1))
	_, err := h.queue.Put(syncJob(1, models.SceneData{
		FilePath: "/media/scene1.mp4",
		Title:    strptr("New Test Title"),
	}))
	require.NoError(t, err)

	h.runOne(t)

	assert.Equal(t, "New Test Title", entity.snapshot().Title)

	ts, ok := h.store.LastSyncTimestamp(1)
	require.True(t, ok)
	assert.Greater(t, ts, 0.0)
	assert.False(t, h.store.IsScenePending(1))

	// Record was acked: nothing left to deliver.
	_, err = h.queue.Get(50 * time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrTimeout)
}

func TestPreservePolicyKeepsExistingTitle(t *testing.T) {
	h := setup(t, Config{PreservePlexEdits: true})
	entity := &fakeEntity{state: models.Snapshot{Title: "Hand Edited"}}
	h.client.items["/media/s.mp4"] = entity

	_, err := h.queue.Put(syncJob(1, models.SceneData{
		FilePath: "/media/s.mp4",
		Title:    strptr("From Stash"),
		Summary:  strptr("fresh summary"),
	}))
	require.NoError(t, err)

	h.runOne(t)

	got := entity.snapshot()
	assert.Equal(t, "Hand Edited", got.Title)
	assert.Equal(t, "fresh summary", got.Summary) // empty field still filled
}

func TestSparseJobUpdatesPresentFieldsOnly(t *testing.T) {
	h := setup(t, Config{PreservePlexEdits: false})
	entity := &fakeEntity{state: models.Snapshot{Title: "Keep Me"}}
	h.client.items["/media/s.mp4"] = entity

	_, err := h.queue.Put(syncJob(1, models.SceneData{
		FilePath: "/media/s.mp4",
		Studio:   strptr("Acme"),
		Summary:  strptr("summary only"),
	}))
	require.NoError(t, err)

	h.runOne(t)

	got := entity.snapshot()
	assert.Equal(t, "Keep Me", got.Title) // absent from job, never written
	assert.Equal(t, "Acme", got.Studio)
	assert.Equal(t, "summary only", got.Summary)
}

func TestListGroupsApplied(t *testing.T) {
	h := setup(t, Config{PreservePlexEdits: false})
	entity := &fakeEntity{}
	h.client.items["/media/s.mp4"] = entity

	_, err := h.queue.Put(syncJob(1, models.SceneData{
		FilePath:    "/media/s.mp4",
		Actors:      []string{"A", "B"},
		Genres:      []string{"Drama"},
		Collections: []string{"Favorites"},
	}))
	require.NoError(t, err)

	h.runOne(t)

	got := entity.snapshot()
	assert.Equal(t, []string{"A", "B"}, got.Actors)
	assert.Equal(t, []string{"Drama"}, got.Genres)
	assert.Equal(t, []string{"Favorites"}, got.Collections)
}

func TestNoMatchCompletesAsNoOp(t *testing.T) {
	h := setup(t, Config{})
	require.NoError(t, h.store.MarkScenePending(2))

	_, err := h.queue.Put(syncJob(2, models.SceneData{
		FilePath: "/media/not-imported.mp4",
		Title:    strptr("whatever"),
	}))
	require.NoError(t, err)

	h.runOne(t)

	// Vacuously complete: bookkeeping committed, record acked.
	assert.False(t, h.store.IsScenePending(2))
	_, ok := h.store.LastSyncTimestamp(2)
	assert.True(t, ok)
	_, err = h.queue.Get(50 * time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrTimeout)
}

func TestIdempotentRedelivery(t *testing.T) {
	h := setup(t, Config{PreservePlexEdits: false})
	entity := &fakeEntity{state: models.Snapshot{Title: "Old"}}
	h.client.items["/media/s.mp4"] = entity

	job := syncJob(1, models.SceneData{
		FilePath: "/media/s.mp4",
		Title:    strptr("Converged"),
		Genres:   []string{"Drama"},
	})

	// Same job delivered twice, simulating queue redelivery.
	for i := 0; i < 2; i++ {
		_, err := h.queue.Put(job)
		require.NoError(t, err)
		h.runOne(t)
	}

	got := entity.snapshot()
	assert.Equal(t, "Converged", got.Title)
	assert.Equal(t, []string{"Drama"}, got.Genres)
}

func TestPartialEditFailureConvergesOnRedelivery(t *testing.T) {
	h := setup(t, Config{PreservePlexEdits: false, MaxAttempts: 3})
	entity := &fakeEntity{
		editErr: map[string]error{"genres": errors.New("plex hiccup")},
	}
	h.client.items["/media/s.mp4"] = entity

	_, err := h.queue.Put(syncJob(1, models.SceneData{
		FilePath: "/media/s.mp4",
		Title:    strptr("Applied Early"),
		Genres:   []string{"Drama"},
	}))
	require.NoError(t, err)

	// First pass: scalars applied, genres fail, job nacked.
	h.runOne(t)
	assert.Equal(t, "Applied Early", entity.snapshot().Title)
	assert.Empty(t, entity.snapshot().Genres)

	// Target recovers; redelivery converges over the partial state.
	entity.mu.Lock()
	entity.editErr = nil
	entity.mu.Unlock()

	h.runOne(t)
	got := entity.snapshot()
	assert.Equal(t, "Applied Early", got.Title)
	assert.Equal(t, []string{"Drama"}, got.Genres)
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	h := setup(t, Config{MaxAttempts: 3})
	h.client.setSearchErr(errors.New("plex unreachable"))

	_, err := h.queue.Put(syncJob(1, models.SceneData{FilePath: "/media/s.mp4"}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.runOne(t)
	}

	// Beyond the bound: removed from active redelivery.
	_, err = h.queue.Get(50 * time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrTimeout)

	dead, err := h.queue.DeadLetters()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Job.SceneID)
}

// failingBooks simulates a broken bookkeeping backend.
type failingBooks struct{}

func (failingBooks) SaveSyncTimestamp(int, float64) error { return errors.New("disk full") }
func (failingBooks) UnmarkScenePending(int) error         { return errors.New("disk full") }

func TestBookkeepingFailureDoesNotBlockAck(t *testing.T) {
	h := setup(t, Config{})
	h.worker.books = failingBooks{}
	h.client.items["/media/s.mp4"] = &fakeEntity{}

	_, err := h.queue.Put(syncJob(1, models.SceneData{
		FilePath: "/media/s.mp4",
		Title:    strptr("T"),
	}))
	require.NoError(t, err)

	h.runOne(t)

	// Acked despite bookkeeping failures.
	_, err = h.queue.Get(50 * time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrTimeout)
}

func TestServeStopsWhenQueueCloses(t *testing.T) {
	h := setup(t, Config{GetTimeout: 50 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		done <- h.worker.Serve(context.Background())
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, h.queue.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, suture.ErrDoNotRestart)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after queue close")
	}
}

func TestServeSurvivesJobFailures(t *testing.T) {
	h := setup(t, Config{GetTimeout: 50 * time.Millisecond, MaxAttempts: 1})
	h.client.setSearchErr(errors.New("boom"))
	h.client.items["/media/ok.mp4"] = &fakeEntity{}

	_, err := h.queue.Put(syncJob(1, models.SceneData{FilePath: "/media/bad.mp4"}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Serve(ctx) }()

	// Give the loop time to dead-letter the failing job and keep polling.
	time.Sleep(200 * time.Millisecond)

	// The loop is still alive: a healthy job processes normally.
	h.client.setSearchErr(nil)
	_, err = h.queue.Put(syncJob(2, models.SceneData{
		FilePath: "/media/ok.mp4",
		Title:    strptr("alive"),
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.client.items["/media/ok.mp4"].snapshot().Title == "alive"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
