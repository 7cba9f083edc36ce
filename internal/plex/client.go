// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package plex adapts the Plex Media Server HTTP API to the worker's target
// interfaces. The worker never sees Plex wire types; it talks to
// worker.TargetClient and worker.TargetEntity, which this package implements.
//
// All requests carry X-Plex-Token, are rate limited client-side, and pass
// through a circuit breaker so a down Plex server fails fast instead of
// stacking up timeouts.
package plex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/stash2plex/stash2plex/internal/logging"
)

// Client is a Plex Media Server API client scoped to library metadata.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

// Options configures a Client.
type Options struct {
	// URL is the Plex server base URL, e.g. http://127.0.0.1:32400.
	URL string
	// Token is the X-Plex-Token value.
	Token string
	// Timeout bounds each HTTP request. Default 30s.
	Timeout time.Duration
	// RequestsPerSecond rate-limits outbound calls. 0 disables limiting.
	RequestsPerSecond float64
}

// NewClient creates a Plex client.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("plex URL cannot be empty")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("plex token cannot be empty")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "plex",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("plex circuit breaker state change")
		},
	})

	return &Client{
		baseURL:    opts.URL,
		token:      opts.Token,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    limiter,
		breaker:    breaker,
	}, nil
}

// doRequest executes a Plex API request and decodes the JSON response into
// result when non-nil. 2xx statuses are accepted.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d %s", method, path, resp.StatusCode, resp.Status)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// librarySectionsResponse is the shape of GET /library/sections.
type librarySectionsResponse struct {
	MediaContainer struct {
		Directory []struct {
			Key  string `json:"key"`
			Type string `json:"type"`
		} `json:"Directory"`
	} `json:"MediaContainer"`
}

// metadataContainer is the shape of section listings and item metadata.
type metadataContainer struct {
	MediaContainer struct {
		Size     int            `json:"size"`
		Metadata []itemMetadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

type itemMetadata struct {
	RatingKey string `json:"ratingKey"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Studio    string `json:"studio"`
	Type      string `json:"type"`

	Role       []tagEntry `json:"Role"`
	Genre      []tagEntry `json:"Genre"`
	Collection []tagEntry `json:"Collection"`

	Media []struct {
		Part []struct {
			File string `json:"file"`
		} `json:"Part"`
	} `json:"Media"`
}

type tagEntry struct {
	Tag string `json:"tag"`
}

// searchPageSize is the section listing page size.
const searchPageSize = 200
