// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package metrics exposes Prometheus instrumentation for the processing
// engine: execution outcomes, store operation latency, dead-letter depth,
// sweep activity, and ingestion quality.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Coordinator metrics
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procguard_executions_total",
			Help: "Total Execute calls by outcome",
		},
		[]string{"outcome"}, // completed, rejected, failed, dead_lettered
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "procguard_execution_duration_seconds",
			Help:    "End-to-end Execute duration including store round trips",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procguard_work_invocations_total",
			Help: "Work function invocations by result",
		},
		[]string{"result"}, // success, failure, timeout, cancelled, breaker_open
	)

	WorkFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procguard_work_failures_total",
			Help: "Classified work failures by retry disposition and error category",
		},
		[]string{"class", "category"}, // class: transient, permanent, cancelled
	)

	ReclaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "procguard_stale_reclaims_total",
			Help: "Processing claims reclaimed after the liveness window expired",
		},
	)

	// Store metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procguard_store_op_duration_seconds",
			Help:    "Record store operation latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	StoreConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "procguard_store_conflicts_total",
			Help: "Conditional updates rejected due to a status or transaction conflict",
		},
	)

	// Dead-letter metrics
	DeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procguard_dead_lettered_total",
			Help: "Records transitioned to dead_lettered by reason class",
		},
		[]string{"class"}, // permanent, exhausted
	)

	DeadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "procguard_dead_letter_depth",
			Help: "Dead-lettered records currently awaiting operator action",
		},
	)

	ManualRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "procguard_manual_retries_total",
			Help: "Operator-initiated retries of dead-lettered records",
		},
	)

	// Sweep metrics
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procguard_sweep_runs_total",
			Help: "Retry sweep runs by result",
		},
		[]string{"result"}, // success, skipped_overlap, error
	)

	SweepResubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "procguard_sweep_resubmitted_total",
			Help: "Failed records resubmitted for execution by the sweep",
		},
	)

	PurgedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "procguard_purged_records_total",
			Help: "Terminal records removed by retention purge",
		},
	)

	// Ingestion metrics
	ValidationQualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "procguard_validation_quality_score",
			Help:    "Quality scores of validated payloads",
			Buckets: []float64{0, 20, 40, 60, 70, 80, 90, 95, 100},
		},
	)

	ValidationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procguard_validation_failures_total",
			Help: "Payload validation failures by entity type",
		},
		[]string{"entity_type"},
	)

	// Operator API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procguard_api_requests_total",
			Help: "Operator API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procguard_api_request_duration_seconds",
			Help:    "Operator API request latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)
)

// ObserveStoreOp records the latency of a store operation.
func ObserveStoreOp(operation string, start time.Time) {
	StoreOpDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordOutcome increments the execution outcome counter.
func RecordOutcome(outcome string) {
	ExecutionsTotal.WithLabelValues(outcome).Inc()
}
