// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package worker consumes sync jobs from the durable queue and applies them
// to the target media server.
//
// Processing is idempotent: the queue delivers at least once, and a
// redelivered job re-runs the full lookup/merge/edit pass with absolute field
// values, converging to the same target state. Edits are issued per field
// group without cross-group rollback; a failure partway leaves earlier groups
// applied, which the next delivery converges over. The consumer loop never
// dies on a job failure.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/merge"
	"github.com/stash2plex/stash2plex/internal/models"
	"github.com/stash2plex/stash2plex/internal/queue"
)

// TargetEntity is one mutable media item on the target server. Edits are
// grouped the way the target's schema groups fields; each group call carries
// absolute values and is therefore idempotent.
type TargetEntity interface {
	Read(ctx context.Context) (models.Snapshot, error)
	EditMetadata(ctx context.Context, fields map[string]string) error
	EditActors(ctx context.Context, actors []string) error
	EditGenres(ctx context.Context, genres []string) error
	EditCollections(ctx context.Context, collections []string) error
	Reload(ctx context.Context) error
}

// TargetClient locates target entities by media file path. Zero matches is a
// valid result, not an error.
type TargetClient interface {
	Search(ctx context.Context, path string) ([]TargetEntity, error)
}

// Bookkeeper persists post-success bookkeeping. *store.Store satisfies this.
type Bookkeeper interface {
	SaveSyncTimestamp(sceneID int, epoch float64) error
	UnmarkScenePending(sceneID int) error
}

// Config holds the worker's processing policy.
type Config struct {
	// PreservePlexEdits keeps non-empty target-side values instead of
	// overwriting them.
	PreservePlexEdits bool

	// MaxAttempts bounds deliveries before a job is dead-lettered.
	MaxAttempts int

	// GetTimeout is how long each queue poll blocks.
	GetTimeout time.Duration
}

// Worker is the single sync consumer loop: one job fully processed at a time.
type Worker struct {
	queue  *queue.Queue
	target TargetClient
	books  Bookkeeper
	cfg    Config

	// now is the wall clock, injectable for tests.
	now func() time.Time
}

// New creates a worker consuming from q, applying jobs through target and
// committing bookkeeping to books.
func New(q *queue.Queue, target TargetClient, books Bookkeeper, cfg Config) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = 5 * time.Second
	}
	return &Worker{queue: q, target: target, books: books, cfg: cfg, now: time.Now}
}

// Serve runs the consumer loop until ctx is canceled or the queue closes.
// It implements suture.Service. Job failures are logged and nacked, never
// propagated.
func (w *Worker) Serve(ctx context.Context) error {
	logging.Info().
		Bool("preserve_plex_edits", w.cfg.PreservePlexEdits).
		Int("max_attempts", w.cfg.MaxAttempts).
		Msg("sync worker started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := w.queue.Get(w.cfg.GetTimeout)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		if errors.Is(err, queue.ErrQueueClosed) {
			logging.Info().Msg("sync worker stopping: queue closed")
			return suture.ErrDoNotRestart
		}
		if err != nil {
			logging.Error().Err(err).Msg("queue get failed")
			continue
		}

		w.handle(ctx, rec)
	}
}

// String labels the service in supervisor logs.
func (w *Worker) String() string { return "sync-worker" }

// handle drives one delivered record to a terminal outcome: committed,
// redelivered, or dead-lettered.
func (w *Worker) handle(ctx context.Context, rec *queue.Record) {
	job := rec.Job
	log := logging.With().
		Uint64("record_id", rec.ID).
		Int("scene_id", job.SceneID).
		Int("pqid", job.PQID).
		Logger()

	if err := w.processJob(ctx, job); err != nil {
		recordJobFailed()
		// Attempts counts prior nacks; this delivery makes one more.
		if rec.Attempts+1 >= w.cfg.MaxAttempts {
			log.Error().Err(err).
				Int("attempts", rec.Attempts+1).
				Msg("job exceeded max attempts, dead-lettering")
			if dlErr := w.queue.DeadLetter(rec); dlErr != nil {
				log.Error().Err(dlErr).Msg("dead-letter failed")
			}
			return
		}
		log.Warn().Err(err).
			Int("attempts", rec.Attempts+1).
			Msg("job failed, requeueing for redelivery")
		if nackErr := w.queue.Nack(rec, err.Error()); nackErr != nil {
			log.Error().Err(nackErr).Msg("nack failed")
		}
		return
	}

	w.commit(rec, log)
}

// processJob performs one processing pass: lookup, merge, grouped edits,
// verify. A missing target item is vacuous success. Bookkeeping and ack are
// the caller's concern.
func (w *Worker) processJob(ctx context.Context, job models.SyncJob) error {
	entities, err := w.target.Search(ctx, job.Data.FilePath)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		// Not yet imported by the target server. Nothing to edit; the job is
		// complete as delivered.
		recordJobNoMatch()
		logging.Debug().
			Int("scene_id", job.SceneID).
			Str("file_path", job.Data.FilePath).
			Msg("no target match for scene, skipping edits")
		return nil
	}
	entity := entities[0]

	snapshot, err := entity.Read(ctx)
	if err != nil {
		return err
	}

	writeSet := merge.Decide(snapshot.Fields(), job.Data.Fields(), w.cfg.PreservePlexEdits)
	if err := w.applyWriteSet(ctx, entity, writeSet); err != nil {
		return err
	}

	// Verify persisted state by re-reading; structural validation beyond a
	// successful reload is not attempted.
	return entity.Reload(ctx)
}

// applyWriteSet issues the grouped edit calls, one per field group that the
// write-set touches. Groups already applied before a failure stay applied;
// redelivery converges because every group edit is absolute.
func (w *Worker) applyWriteSet(ctx context.Context, entity TargetEntity, writeSet map[string]any) error {
	if scalars := scalarFields(writeSet); len(scalars) > 0 {
		if err := entity.EditMetadata(ctx, scalars); err != nil {
			return err
		}
	}
	if actors, ok := listField(writeSet, models.FieldActors); ok {
		if err := entity.EditActors(ctx, actors); err != nil {
			return err
		}
	}
	if genres, ok := listField(writeSet, models.FieldGenres); ok {
		if err := entity.EditGenres(ctx, genres); err != nil {
			return err
		}
	}
	if collections, ok := listField(writeSet, models.FieldCollections); ok {
		if err := entity.EditCollections(ctx, collections); err != nil {
			return err
		}
	}
	return nil
}

// commit runs success bookkeeping and acks the record. Bookkeeping failures
// are logged but never block the ack: the job's effects are already applied,
// and redelivering it for lagging bookkeeping would buy nothing.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func (w *Worker) commit(rec *queue.Record, log zerolog.Logger) {
	sceneID := rec.Job.SceneID
	epoch := float64(w.now().UnixNano()) / float64(time.Second)

	if err := w.books.SaveSyncTimestamp(sceneID, epoch); err != nil {
		log.Warn().Err(err).Msg("sync timestamp write failed, continuing")
	}
	if err := w.books.UnmarkScenePending(sceneID); err != nil {
		log.Warn().Err(err).Msg("pending-set removal failed, continuing")
	}

	if err := w.queue.Ack(rec); err != nil {
		log.Error().Err(err).Msg("ack failed, record will be redelivered")
		return
	}
	recordJobCommitted()
	log.Info().Msg("scene synced")
}

// scalarFields extracts the scalar group from a write-set.
func scalarFields(writeSet map[string]any) map[string]string {
	out := make(map[string]string, 3)
	for _, field := range []string{models.FieldTitle, models.FieldSummary, models.FieldStudio} {
		if v, ok := writeSet[field]; ok {
			if s, ok := v.(string); ok {
				out[field] = s
			}
		}
	}
	return out
}

// listField extracts one list group from a write-set.
func listField(writeSet map[string]any, field string) ([]string, bool) {
	v, ok := writeSet[field]
	if !ok {
		return nil, false
	}
	list, ok := v.([]string)
	return list, ok
}
