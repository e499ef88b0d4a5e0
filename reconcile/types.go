// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile merges divergent verification and benchmark observations
// produced by independent nodes into a single deterministic result.
//
// Multiple nodes may report a BenchmarkResult for the same logical ID; the
// Resolver analyzes the divergence, selects one of several registered merge
// strategies, and returns one canonical result plus a structured conflict
// analysis. Strategy failures are never fatal: the resolver falls back to
// the chronologically last input and surfaces the degradation through the
// returned Resolution and the event bus.
package reconcile

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Well-known metric keys.
const (
	// MetricExecutionTime is execution time in milliseconds.
	MetricExecutionTime = "execution_time"

	// MetricThroughput is operations per second.
	MetricThroughput = "throughput"

	// MetricErrorRate is the observed error fraction in [0,1].
	MetricErrorRate = "error_rate"
)

// Well-known metadata keys.
const (
	// MetadataEnvironment names the environment that produced the result.
	MetadataEnvironment = "environment"

	// MetadataConfiguration holds the configuration block of a run, or the
	// resolution method documentation on a merged result.
	MetadataConfiguration = "configuration"

	// MetadataVersion names the software version under test.
	MetadataVersion = "version"
)

// BenchmarkResult is one verification observation emitted by a node.
//
// Results are immutable once emitted. Many instances may share the same
// logical ID across nodes; that shared ID is the unit of conflict.
type BenchmarkResult struct {
	// ID is the logical identifier of the verified work item.
	ID string `json:"id"`

	// NodeID identifies the node that produced this result.
	NodeID string `json:"node_id"`

	// Timestamp is when the result was produced.
	Timestamp time.Time `json:"timestamp"`

	// Metrics holds numeric observations keyed by metric name.
	Metrics map[string]float64 `json:"metrics"`

	// Metadata holds non-numeric context (environment, configuration,
	// version). Values must be JSON-serializable.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Conflicts lists conflict annotations accumulated so far.
	Conflicts []string `json:"conflicts,omitempty"`
}

// Environment returns the metadata environment, or "" when absent.
func (r *BenchmarkResult) Environment() string {
	env, _ := r.Metadata[MetadataEnvironment].(string)
	return env
}

// Version returns the metadata version, or "" when absent.
func (r *BenchmarkResult) Version() string {
	v, _ := r.Metadata[MetadataVersion].(string)
	return v
}

// ConfigFingerprint returns the serialized configuration metadata.
//
// Two results with byte-identical fingerprints ran under the same
// configuration. Absent configuration serializes to "null".
func (r *BenchmarkResult) ConfigFingerprint() string {
	data, err := json.Marshal(r.Metadata[MetadataConfiguration])
	if err != nil {
		return ""
	}
	return string(data)
}

// Clone returns a deep-enough copy for safe mutation of the top-level
// maps and slices. Nested metadata values are shared.
func (r *BenchmarkResult) Clone() *BenchmarkResult {
	clone := *r
	clone.Metrics = maps.Clone(r.Metrics)
	clone.Metadata = maps.Clone(r.Metadata)
	clone.Conflicts = slices.Clone(r.Conflicts)
	return &clone
}

// unionConflicts merges the conflict annotations of all inputs,
// deduplicated, preserving first-seen order.
func unionConflicts(results []BenchmarkResult) []string {
	seen := make(map[string]struct{})
	var union []string
	for _, r := range results {
		for _, c := range r.Conflicts {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			union = append(union, c)
		}
	}
	return union
}

// chronologicallyLast returns the input with the newest timestamp.
// Ties keep the later list position, matching arrival order.
func chronologicallyLast(results []BenchmarkResult) *BenchmarkResult {
	if len(results) == 0 {
		return nil
	}
	last := 0
	for i := 1; i < len(results); i++ {
		if !results[i].Timestamp.Before(results[last].Timestamp) {
			last = i
		}
	}
	return results[last].Clone()
}
