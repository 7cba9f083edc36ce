// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package store persists sync bookkeeping: the pending-scene set and per-scene
// last-sync timestamps. Both live as JSON files under the plugin data
// directory and are rewritten atomically (temp file + rename) so a crash
// mid-write never corrupts them.
//
// Bookkeeping is best-effort relative to the queue: the worker updates it only
// after a job's success point, and a failed bookkeeping write is logged, not
// fatal.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
)

const (
	pendingFile    = "pending_scenes.json"
	timestampsFile = "sync_timestamps.json"
)

// Store is the file-backed persistence backend. Safe for concurrent use
// within one process; cross-process safety comes from atomic renames plus the
// single-worker scheduling model.
type Store struct {
	dir string

	mu         sync.Mutex
	pending    map[int]struct{}
	timestamps map[int]float64
}

// Open loads (or initializes) the persistence backend rooted at dir.
// Missing files are treated as empty state, not errors.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		pending:    make(map[int]struct{}),
		timestamps: make(map[int]float64),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	var pending []int
	if err := readJSON(filepath.Join(s.dir, pendingFile), &pending); err != nil {
		return fmt.Errorf("load pending set: %w", err)
	}
	for _, id := range pending {
		s.pending[id] = struct{}{}
	}

	// Timestamps are keyed by scene id; JSON object keys are strings.
	raw := make(map[string]float64)
	if err := readJSON(filepath.Join(s.dir, timestampsFile), &raw); err != nil {
		return fmt.Errorf("load sync timestamps: %w", err)
	}
	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		s.timestamps[id] = v
	}
	return nil
}

// SaveSyncTimestamp records the last successful sync time for a scene as
// epoch seconds. Timestamps only move forward on success and are never rolled
// back.
func (s *Store) SaveSyncTimestamp(sceneID int, epoch float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timestamps[sceneID] = epoch
	if err := s.flushTimestamps(); err != nil {
		delete(s.timestamps, sceneID)
		return fmt.Errorf("save sync timestamp for scene %d: %w", sceneID, err)
	}
	return nil
}

// LastSyncTimestamp returns the last-sync epoch for a scene, if recorded.
func (s *Store) LastSyncTimestamp(sceneID int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.timestamps[sceneID]
	return ts, ok
}

// MarkScenePending adds a scene to the pending set. Called by the producer at
// enqueue time. Idempotent.
func (s *Store) MarkScenePending(sceneID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[sceneID]; ok {
		return nil
	}
	s.pending[sceneID] = struct{}{}
	if err := s.flushPending(); err != nil {
		delete(s.pending, sceneID)
		return fmt.Errorf("mark scene %d pending: %w", sceneID, err)
	}
	return nil
}

// UnmarkScenePending removes a scene from the pending set. Called by the
// worker only after a fully successful processing pass. Removing an absent
// scene is a no-op.
func (s *Store) UnmarkScenePending(sceneID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[sceneID]; !ok {
		return nil
	}
	delete(s.pending, sceneID)
	if err := s.flushPending(); err != nil {
		s.pending[sceneID] = struct{}{}
		return fmt.Errorf("unmark scene %d pending: %w", sceneID, err)
	}
	return nil
}

// IsScenePending reports whether a scene has outstanding sync work.
func (s *Store) IsScenePending(sceneID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[sceneID]
	return ok
}

// PendingScenes returns the pending set in ascending order.
func (s *Store) PendingScenes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// flushPending writes the pending set; caller holds mu.
func (s *Store) flushPending() error {
	ids := make([]int, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return writeJSONAtomic(filepath.Join(s.dir, pendingFile), ids)
}

// flushTimestamps writes the timestamp map; caller holds mu.
func (s *Store) flushTimestamps() error {
	raw := make(map[string]float64, len(s.timestamps))
	for id, ts := range s.timestamps {
		raw[strconv.Itoa(id)] = ts
	}
	return writeJSONAtomic(filepath.Join(s.dir, timestampsFile), raw)
}

// readJSON decodes path into v; a missing file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writeJSONAtomic writes v to path via a temp file and rename so readers
// never observe a partial file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
