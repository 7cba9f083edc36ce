// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Command worker runs the Stash2Plex sync worker: it consumes metadata sync
// jobs from the durable on-disk queue and applies them to Plex.
//
// With -enqueue it instead reads one sync job as JSON from stdin and appends
// it to the queue, which is handy for manual testing and for simple producer
// scripts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/thejerf/suture/v4"

	"github.com/stash2plex/stash2plex/internal/config"
	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/models"
	"github.com/stash2plex/stash2plex/internal/plex"
	"github.com/stash2plex/stash2plex/internal/queue"
	"github.com/stash2plex/stash2plex/internal/store"
	"github.com/stash2plex/stash2plex/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search stash2plex.yaml)")
	dataDir := flag.String("data-dir", "", "plugin data directory (default: STASH_PLUGIN_DATA or ~/.stash/plugins/Stash2Plex/data)")
	enqueue := flag.Bool("enqueue", false, "read one sync job as JSON from stdin, enqueue it, and exit")
	flag.Parse()

	if err := run(*configPath, *dataDir, *enqueue); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir string, enqueue bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Timestamp: true,
	})

	if dataDir == "" {
		dataDir = cfg.DataDir
	}

	qcfg := queue.Config{
		SyncWrites:       cfg.Queue.SyncWrites,
		LeaseDuration:    cfg.Queue.LeaseDuration,
		RetryBackoff:     cfg.Queue.RetryBackoff,
		MaxRetryBackoff:  cfg.Queue.MaxRetryBackoff,
		PollInterval:     cfg.Queue.PollInterval,
		RecoveryInterval: cfg.Queue.RecoveryInterval,
	}

	// Durable storage is a startup requirement: no queue, no worker.
	manager, err := queue.NewManager(dataDir, qcfg)
	if err != nil {
		return fmt.Errorf("queue startup: %w", err)
	}
	defer func() {
		if err := manager.Shutdown(); err != nil {
			logging.Error().Err(err).Msg("queue shutdown failed")
		}
	}()

	if enqueue {
		return enqueueFromStdin(manager.GetQueue())
	}

	books, err := store.Open(manager.DataDir())
	if err != nil {
		return fmt.Errorf("open persistence backend: %w", err)
	}

	target, err := plex.NewClient(plex.Options{
		URL:               cfg.Plex.URL,
		Token:             cfg.Plex.Token,
		Timeout:           cfg.Plex.Timeout,
		RequestsPerSecond: cfg.Plex.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("plex client: %w", err)
	}

	w := worker.New(manager.GetQueue(), target, books, worker.Config{
		PreservePlexEdits: cfg.Sync.PreservePlexEdits,
		MaxAttempts:       cfg.Sync.MaxAttempts,
		GetTimeout:        cfg.Sync.GetTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := suture.NewSimple("stash2plex")
	sup.Add(w)
	sup.Add(queue.NewRecoveryLoop(manager.GetQueue()))

	logging.Info().
		Str("data_dir", manager.DataDir()).
		Str("queue_dir", filepath.Join(manager.DataDir(), "queue")).
		Msg("stash2plex worker running")

	err = sup.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}

// enqueueFromStdin reads one SyncJob as JSON and appends it to the queue.
func enqueueFromStdin(q *queue.Queue) error {
	var job models.SyncJob
	if err := json.NewDecoder(os.Stdin).Decode(&job); err != nil {
		return fmt.Errorf("decode job from stdin: %w", err)
	}
	if job.SceneID <= 0 {
		return fmt.Errorf("job scene_id must be positive, got %d", job.SceneID)
	}
	if job.UpdateType == "" {
		job.UpdateType = models.UpdateTypeMetadata
	}

	id, err := q.Put(job)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	logging.Info().
		Uint64("record_id", id).
		Int("scene_id", job.SceneID).
		Msg("job enqueued")
	return nil
}
