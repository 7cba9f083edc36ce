// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package models defines the wire types shared by the queue producer and the
// sync worker.
package models

// UpdateType classifies what a sync job carries.
type UpdateType string

const (
	// UpdateTypeMetadata is a scene metadata update (titles, people, tags).
	UpdateTypeMetadata UpdateType = "metadata"
)

// Metadata field names used in SyncJob.Data and in merge decisions.
// These match the sparse JSON keys the producer emits.
const (
	FieldTitle       = "title"
	FieldSummary     = "summary"
	FieldStudio      = "studio"
	FieldActors      = "actors"
	FieldGenres      = "genres"
	FieldCollections = "collections"
)

// SyncJob is one unit of work: the desired metadata state for a single Stash
// scene, to be applied to the matching Plex item. Identity for idempotence is
// SceneID; redelivering a job for the same scene converges to the same Plex
// state.
type SyncJob struct {
	SceneID    int        `json:"scene_id"`
	UpdateType UpdateType `json:"update_type"`
	Data       SceneData  `json:"data"`

	// PQID is the producer-side queue id, carried through for log correlation.
	PQID int `json:"pqid"`
}

// SceneData is the sparse desired-state payload. Any field may be absent;
// absent fields are never written to Plex. Scalar fields use pointers so that
// "absent" and "empty string" stay distinguishable on the wire.
type SceneData struct {
	// FilePath locates the scene's media file, used to find the Plex item.
	FilePath string `json:"file_path,omitempty"`

	Title       *string  `json:"title,omitempty"`
	Summary     *string  `json:"summary,omitempty"`
	Studio      *string  `json:"studio,omitempty"`
	Actors      []string `json:"actors,omitempty"`
	Genres      []string `json:"genres,omitempty"`
	Collections []string `json:"collections,omitempty"`
}

// Fields returns the present metadata fields as a field→value map for merge
// decisions. FilePath is lookup routing, not metadata, and is excluded.
func (d SceneData) Fields() map[string]any {
	out := make(map[string]any, 6)
	if d.Title != nil {
		out[FieldTitle] = *d.Title
	}
	if d.Summary != nil {
		out[FieldSummary] = *d.Summary
	}
	if d.Studio != nil {
		out[FieldStudio] = *d.Studio
	}
	if d.Actors != nil {
		out[FieldActors] = d.Actors
	}
	if d.Genres != nil {
		out[FieldGenres] = d.Genres
	}
	if d.Collections != nil {
		out[FieldCollections] = d.Collections
	}
	return out
}

// Snapshot is a point-in-time read of a Plex item's mutable metadata.
type Snapshot struct {
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	Studio      string   `json:"studio"`
	Actors      []string `json:"actors"`
	Genres      []string `json:"genres"`
	Collections []string `json:"collections"`
}

// Fields returns the snapshot as a field→value map for merge decisions.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		FieldTitle:       s.Title,
		FieldSummary:     s.Summary,
		FieldStudio:      s.Studio,
		FieldActors:      s.Actors,
		FieldGenres:      s.Genres,
		FieldCollections: s.Collections,
	}
}
