// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/converge/events"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func result(id, node string, ts time.Time, metrics map[string]float64, metadata map[string]any) BenchmarkResult {
	return BenchmarkResult{
		ID:        id,
		NodeID:    node,
		Timestamp: ts,
		Metrics:   metrics,
		Metadata:  metadata,
	}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{NodeID: "self"})
	require.NoError(t, err)
	return r
}

// =============================================================================
// Resolver Tests
// =============================================================================

func TestNewResolver_RequiresNodeID(t *testing.T) {
	_, err := NewResolver(ResolverConfig{})
	assert.ErrorIs(t, err, ErrNodeIDRequired)
}

func TestResolveConflicts_SingleResultPassesThrough(t *testing.T) {
	r := newTestResolver(t)
	in := result("X", "node-1", baseTime, map[string]float64{MetricThroughput: 100}, nil)

	out := r.ResolveConflicts(context.Background(), map[string][]BenchmarkResult{"X": {in}})

	require.Contains(t, out, "X")
	assert.Equal(t, "node-1", out["X"].NodeID, "passthrough must not be restamped")
	assert.Equal(t, 100.0, out["X"].Metrics[MetricThroughput])
}

func TestResolveConflicts_EmptySetSkipped(t *testing.T) {
	r := newTestResolver(t)
	out := r.ResolveConflicts(context.Background(), map[string][]BenchmarkResult{"X": {}})
	assert.Empty(t, out)
}

func TestResolveConflicts_StampsMergedResult(t *testing.T) {
	r := newTestResolver(t)
	in := map[string][]BenchmarkResult{"X": {
		result("X", "node-1", baseTime, map[string]float64{MetricThroughput: 100}, nil),
		result("X", "node-2", baseTime.Add(time.Second), map[string]float64{MetricThroughput: 110}, nil),
	}}
	in["X"][0].Conflicts = []string{"warmup-variance"}
	in["X"][1].Conflicts = []string{"warmup-variance", "gc-pause"}

	out := r.ResolveConflicts(context.Background(), in)

	merged := out["X"]
	assert.Equal(t, "X", merged.ID)
	assert.Equal(t, "self", merged.NodeID)
	assert.Equal(t, time.UTC, merged.Timestamp.Location())
	assert.ElementsMatch(t, []string{"warmup-variance", "gc-pause"}, merged.Conflicts)

	config, ok := merged.Metadata[MetadataConfiguration].(map[string]any)
	require.True(t, ok, "merged result must document its method")
	assert.NotEmpty(t, config["method"])
	assert.Equal(t, "self", config["resolved_by"])
}

// Scenario from the verification plan: environments {prod, staging, prod},
// throughput {950, 820, 1100}. The environment-weighted strategy must be
// selected with weights 1.0/0.5/1.0, giving (950+410+1100)/2.5 = 944.
func TestResolveConflicts_EnvironmentWeightedScenario(t *testing.T) {
	r := newTestResolver(t)
	prod := map[string]any{MetadataEnvironment: "prod"}
	staging := map[string]any{MetadataEnvironment: "staging"}

	in := map[string][]BenchmarkResult{"X": {
		result("X", "node-1", baseTime, map[string]float64{MetricThroughput: 950}, prod),
		result("X", "node-2", baseTime.Add(time.Second), map[string]float64{MetricThroughput: 820}, staging),
		result("X", "node-3", baseTime.Add(2*time.Second), map[string]float64{MetricThroughput: 1100}, prod),
	}}

	detailed := r.ResolveDetailed(context.Background(), in)

	res := detailed["X"]
	require.False(t, res.Degraded)
	assert.Equal(t, StrategyEnvironmentWeighted, res.Strategy)
	assert.InDelta(t, 944.0, res.Result.Metrics[MetricThroughput], 1e-9)
}

func TestResolveConflicts_DegradedFallback(t *testing.T) {
	collector := events.NewCollector()
	bus := events.NewBus()
	bus.Subscribe(events.TypeResolutionDegraded, collector.Handler())

	r, err := NewResolver(ResolverConfig{NodeID: "self", Bus: bus})
	require.NoError(t, err)
	require.NoError(t, r.Registry().Register(&failingStrategy{}))

	// Two results, same environment, close timestamps, same configuration:
	// the analyzer recommends statistical (score 0.5, below the override
	// floor), so the failing strategy's 1.0 applicability wins selection.
	in := map[string][]BenchmarkResult{"X": {
		result("X", "node-1", baseTime, map[string]float64{MetricThroughput: 100}, nil),
		result("X", "node-2", baseTime.Add(time.Minute), map[string]float64{MetricThroughput: 200}, nil),
	}}

	detailed := r.ResolveDetailed(context.Background(), in)

	res := detailed["X"]
	require.True(t, res.Degraded, "strategy failure must degrade, not fail")
	require.Error(t, res.Err)
	// Fallback is the chronologically last input.
	assert.Equal(t, "node-2", res.Result.NodeID)
	assert.Equal(t, 200.0, res.Result.Metrics[MetricThroughput])

	degradedEvents := collector.ByType(events.TypeResolutionDegraded)
	require.Len(t, degradedEvents, 1)
	assert.Equal(t, "X", degradedEvents[0].Data["id"])
}

func TestResolveConflicts_PanickingStrategyDegrades(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, r.Registry().Register(&panickingStrategy{}))

	in := map[string][]BenchmarkResult{"X": {
		result("X", "node-1", baseTime, map[string]float64{MetricThroughput: 100}, nil),
		result("X", "node-2", baseTime.Add(time.Minute), map[string]float64{MetricThroughput: 200}, nil),
	}}

	detailed := r.ResolveDetailed(context.Background(), in)
	require.True(t, detailed["X"].Degraded)
	assert.Contains(t, detailed["X"].Err.Error(), "panic")
}

// failingStrategy always applies and always errors.
type failingStrategy struct{}

func (s *failingStrategy) Name() string  { return "failing" }
func (s *failingStrategy) Priority() int { return 0 }
func (s *failingStrategy) Applicability(results []BenchmarkResult) float64 {
	return 1.0
}
func (s *failingStrategy) Resolve(results []BenchmarkResult) (*BenchmarkResult, error) {
	return nil, errors.New("intentional failure")
}

// panickingStrategy always applies and always panics.
type panickingStrategy struct{}

func (s *panickingStrategy) Name() string  { return "panicking" }
func (s *panickingStrategy) Priority() int { return 0 }
func (s *panickingStrategy) Applicability(results []BenchmarkResult) float64 {
	return 1.0
}
func (s *panickingStrategy) Resolve(results []BenchmarkResult) (*BenchmarkResult, error) {
	panic("intentional panic")
}
