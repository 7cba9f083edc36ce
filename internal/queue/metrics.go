// Stash2Plex - Stash to Plex metadata synchronization
// Copyright 2026 Stash2Plex contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for queue operations
var (
	queuePutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_queue_puts_total",
		Help: "Total number of records enqueued",
	})

	queueDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_queue_deliveries_total",
		Help: "Total number of record deliveries (including redeliveries)",
	})

	queueAcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_queue_acks_total",
		Help: "Total number of acked records",
	})

	queueNacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_queue_nacks_total",
		Help: "Total number of nacked records",
	})

	queueDeadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_queue_dead_letters_total",
		Help: "Total number of records moved to the dead-letter prefix",
	})

	queueRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_queue_recovered_total",
		Help: "Total number of expired-lease records reclassified as pending",
	})

	queuePendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_pending_records",
		Help: "Current number of pending records",
	})

	queueInFlightRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_in_flight_records",
		Help: "Current number of in-flight records",
	})

	queueDeadRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_dead_records",
		Help: "Current number of dead-lettered records",
	})
)

func recordPut()      { queuePutsTotal.Inc() }
func recordDelivery() { queueDeliveriesTotal.Inc() }
func recordAck()      { queueAcksTotal.Inc() }
func recordNack()     { queueNacksTotal.Inc() }

func recordDeadLetter() { queueDeadLettersTotal.Inc() }

func recordRecovered(n int) { queueRecoveredTotal.Add(float64(n)) }

func updateDepthGauges(pending, inflight, dead int64) {
	queuePendingRecords.Set(float64(pending))
	queueInFlightRecords.Set(float64(inflight))
	queueDeadRecords.Set(float64(dead))
}
