// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_jobs_committed_total",
		Help: "Total number of jobs processed to completion and acked",
	})

	jobsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_jobs_failed_total",
		Help: "Total number of job processing passes that ended in an error",
	})

	jobsNoMatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_jobs_no_match_total",
		Help: "Total number of jobs whose file path matched no target item",
	})
)

func recordJobCommitted() { jobsCommittedTotal.Inc() }
func recordJobFailed()    { jobsFailedTotal.Inc() }
func recordJobNoMatch()   { jobsNoMatchTotal.Inc() }
