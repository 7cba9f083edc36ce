// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package merge implements the field-level merge policy between a Plex item's
// existing metadata and the desired metadata carried by a sync job.
//
// The policy is deliberately conservative: a field is only ever written when
// the job carries it, and when preserve mode is on, a non-empty value already
// on the Plex side wins over the job's value. Fields are never actively
// cleared.
package merge

// Decide returns the subset of desired fields that should be written.
//
// For each field present in desired:
//   - preserve == true and existing has a non-empty value → field omitted
//     (the Plex-side edit wins)
//   - otherwise → field included with desired's value
//
// Fields absent from desired never appear in the result. List-valued fields
// are evaluated as whole lists; an empty or nil list counts as empty for the
// preserve check. Decide never mutates its arguments.
func Decide(existing, desired map[string]any, preserve bool) map[string]any {
	out := make(map[string]any, len(desired))
	for field, want := range desired {
		if preserve && hasValue(existing[field]) {
			continue
		}
		out[field] = want
	}
	return out
}

// hasValue reports whether an existing field value counts as "set" for the
// preserve policy.
func hasValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		// Unrecognized types are treated as set; preserving is the safe
		// direction when we cannot judge emptiness.
		return true
	}
}
