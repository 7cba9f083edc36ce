// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package plex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/stash2plex/stash2plex/internal/models"
	"github.com/stash2plex/stash2plex/internal/worker"
)

var (
	_ worker.TargetClient = (*Client)(nil)
	_ worker.TargetEntity = (*Item)(nil)
)

// Search finds library items whose media file path equals path. Zero matches
// is a valid result (the item may not be imported into Plex yet); the worker
// treats it as a no-op. Only video sections are scanned.
//
// Endpoints: GET /library/sections, then paginated
// GET /library/sections/{key}/all per section.
func (c *Client) Search(ctx context.Context, path string) ([]worker.TargetEntity, error) {
	var sections librarySectionsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/library/sections", nil, &sections); err != nil {
		return nil, fmt.Errorf("list library sections: %w", err)
	}

	var matches []worker.TargetEntity
	for _, dir := range sections.MediaContainer.Directory {
		if dir.Type != "movie" && dir.Type != "show" {
			continue
		}
		found, err := c.searchSection(ctx, dir.Key, path)
		if err != nil {
			return nil, err
		}
		matches = append(matches, found...)
	}
	return matches, nil
}

// searchSection pages through one section and collects items whose file path
// matches.
func (c *Client) searchSection(ctx context.Context, sectionKey, path string) ([]worker.TargetEntity, error) {
	var matches []worker.TargetEntity
	for start := 0; ; start += searchPageSize {
		query := url.Values{}
		query.Set("X-Plex-Container-Start", strconv.Itoa(start))
		query.Set("X-Plex-Container-Size", strconv.Itoa(searchPageSize))

		var page metadataContainer
		endpoint := "/library/sections/" + sectionKey + "/all"
		if err := c.doRequest(ctx, http.MethodGet, endpoint, query, &page); err != nil {
			return nil, fmt.Errorf("list section %s: %w", sectionKey, err)
		}

		for _, md := range page.MediaContainer.Metadata {
			if hasFile(md, path) {
				matches = append(matches, newItem(c, md))
			}
		}

		if len(page.MediaContainer.Metadata) < searchPageSize {
			return matches, nil
		}
	}
}

func hasFile(md itemMetadata, path string) bool {
	for _, media := range md.Media {
		for _, part := range media.Part {
			if part.File == path {
				return true
			}
		}
	}
	return false
}

// Item is one Plex library item. It implements worker.TargetEntity: Read
// returns the snapshot from the last fetch, Edit* issue metadata updates, and
// Reload refetches server state.
type Item struct {
	client    *Client
	ratingKey string
	snapshot  models.Snapshot
}

func newItem(c *Client, md itemMetadata) *Item {
	return &Item{client: c, ratingKey: md.RatingKey, snapshot: toSnapshot(md)}
}

func toSnapshot(md itemMetadata) models.Snapshot {
	return models.Snapshot{
		Title:       md.Title,
		Summary:     md.Summary,
		Studio:      md.Studio,
		Actors:      tagValues(md.Role),
		Genres:      tagValues(md.Genre),
		Collections: tagValues(md.Collection),
	}
}

func tagValues(tags []tagEntry) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, t.Tag)
	}
	return out
}

// RatingKey returns the item's Plex identifier.
func (i *Item) RatingKey() string { return i.ratingKey }

// Read returns the item's metadata as of the last fetch or Reload.
func (i *Item) Read(_ context.Context) (models.Snapshot, error) {
	return i.snapshot, nil
}

// edit issues one metadata update call. Values are absolute, so repeating an
// edit after a partial failure converges to the same state.
//
// Endpoint: PUT /library/metadata/{ratingKey}
func (i *Item) edit(ctx context.Context, query url.Values) error {
	endpoint := "/library/metadata/" + i.ratingKey
	return i.client.doRequest(ctx, http.MethodPut, endpoint, query, nil)
}

// EditMetadata updates scalar fields (title, summary, studio). Only keys
// present in fields are written; each written field is locked so Plex agents
// don't overwrite it on the next library refresh.
func (i *Item) EditMetadata(ctx context.Context, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	query := url.Values{}
	for field, value := range fields {
		query.Set(field+".value", value)
		query.Set(field+".locked", "1")
	}
	if err := i.edit(ctx, query); err != nil {
		return fmt.Errorf("edit metadata: %w", err)
	}
	return nil
}

// EditActors replaces the item's actor list.
func (i *Item) EditActors(ctx context.Context, actors []string) error {
	if err := i.edit(ctx, tagListQuery("actor", actors)); err != nil {
		return fmt.Errorf("edit actors: %w", err)
	}
	return nil
}

// EditGenres replaces the item's genre list.
func (i *Item) EditGenres(ctx context.Context, genres []string) error {
	if err := i.edit(ctx, tagListQuery("genre", genres)); err != nil {
		return fmt.Errorf("edit genres: %w", err)
	}
	return nil
}

// EditCollections replaces the item's collection membership.
func (i *Item) EditCollections(ctx context.Context, collections []string) error {
	if err := i.edit(ctx, tagListQuery("collection", collections)); err != nil {
		return fmt.Errorf("edit collections: %w", err)
	}
	return nil
}

// tagListQuery builds the indexed tag parameters Plex expects for list
// fields, e.g. genre[0].tag.tag=Drama&genre[1].tag.tag=Action, with the list
// locked against agent overwrites.
func tagListQuery(kind string, values []string) url.Values {
	query := url.Values{}
	for idx, v := range values {
		query.Set(fmt.Sprintf("%s[%d].tag.tag", kind, idx), v)
	}
	query.Set(kind+".locked", "1")
	return query
}

// Reload refetches the item's metadata from the server.
//
// Endpoint: GET /library/metadata/{ratingKey}
func (i *Item) Reload(ctx context.Context) error {
	var resp metadataContainer
	endpoint := "/library/metadata/" + i.ratingKey
	if err := i.client.doRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return fmt.Errorf("reload item %s: %w", i.ratingKey, err)
	}
	if len(resp.MediaContainer.Metadata) == 0 {
		return fmt.Errorf("reload item %s: empty metadata response", i.ratingKey)
	}
	i.snapshot = toSnapshot(resp.MediaContainer.Metadata[0])
	return nil
}
