// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the reconciliation
// core.
//
// # Description
//
// Metrics cover the three components:
//   - reconcile: resolutions by strategy and outcome
//   - memory: stored states, active agents, cleanup passes, persistence queue
//   - checkpoint: compression ratio and dedup hit rate
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "converge"

// Metrics holds all Prometheus metrics for the reconciliation core.
//
// Initialize once per process (or per test) via NewMetrics().
type Metrics struct {
	// ResolutionsTotal counts conflict resolutions.
	// Labels: strategy (statistical, crdt-merge, ...), outcome (resolved, degraded, passthrough)
	ResolutionsTotal *prometheus.CounterVec

	// ConflictSeverityTotal counts analyzed conflicts by severity.
	// Labels: severity (low, medium, high, critical)
	ConflictSeverityTotal *prometheus.CounterVec

	// StatesStored tracks states currently held in memory.
	StatesStored prometheus.Gauge

	// ActiveAgents tracks agents currently in the registry.
	ActiveAgents prometheus.Gauge

	// PersistenceQueueDepth tracks entries waiting to be flushed to disk.
	PersistenceQueueDepth prometheus.Gauge

	// PersistenceFailuresTotal counts failed state writes (entries requeue).
	PersistenceFailuresTotal prometheus.Counter

	// CleanupRunsTotal counts background cleanup passes.
	CleanupRunsTotal prometheus.Counter

	// OrphansRemovedTotal counts states removed as orphaned.
	OrphansRemovedTotal prometheus.Counter

	// BackupsTotal counts backup operations.
	// Labels: status (success, error)
	BackupsTotal *prometheus.CounterVec

	// SyncBatchesTotal counts synchronization batch pushes.
	// Labels: status (success, error)
	SyncBatchesTotal *prometheus.CounterVec

	// CompressionRatio observes per-checkpoint compression ratios.
	CompressionRatio prometheus.Histogram

	// DedupHitsTotal counts shared-state store hits (hash already present).
	DedupHitsTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics on the given registerer.
//
// Description:
//
//	Pass prometheus.DefaultRegisterer in production, or a fresh
//	prometheus.NewRegistry() in tests to avoid duplicate registration.
//
// Inputs:
//   - reg: Target registerer. If nil, the default registerer is used.
//
// Outputs:
//   - *Metrics: The registered metrics instance.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ResolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "resolutions_total",
				Help:      "Conflict resolutions by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),

		ConflictSeverityTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "conflict_severity_total",
				Help:      "Analyzed conflicts by severity",
			},
			[]string{"severity"},
		),

		StatesStored: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "memory",
			Name:      "states_stored",
			Help:      "Verification states currently held in memory",
		}),

		ActiveAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "memory",
			Name:      "active_agents",
			Help:      "Agents currently tracked in the registry",
		}),

		PersistenceQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "memory",
			Name:      "persistence_queue_depth",
			Help:      "State entries waiting to be flushed to disk",
		}),

		PersistenceFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "memory",
			Name:      "persistence_failures_total",
			Help:      "Failed state writes (entries stay queued)",
		}),

		CleanupRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "memory",
			Name:      "cleanup_runs_total",
			Help:      "Background cleanup passes executed",
		}),

		OrphansRemovedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "memory",
			Name:      "orphans_removed_total",
			Help:      "States removed because their agent timed out",
		}),

		BackupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "memory",
				Name:      "backups_total",
				Help:      "Backup operations by status",
			},
			[]string{"status"},
		),

		SyncBatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "memory",
				Name:      "sync_batches_total",
				Help:      "Synchronization batch pushes by status",
			},
			[]string{"status"},
		),

		CompressionRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkpoint",
			Name:      "compression_ratio",
			Help:      "Per-checkpoint compressed/original size ratio",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 1.0},
		}),

		DedupHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkpoint",
			Name:      "dedup_hits_total",
			Help:      "Shared-state store hits during deduplication",
		}),
	}
}
