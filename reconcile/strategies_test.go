// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reconcile

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Statistical Strategy Tests
// =============================================================================

func TestStatistical_DropsIQROutlier(t *testing.T) {
	s := &statisticalStrategy{}
	var results []BenchmarkResult
	for i, exec := range []float64{100, 102, 98, 500} {
		results = append(results, result("X", "node", baseTime.Add(time.Duration(i)*time.Second),
			map[string]float64{MetricExecutionTime: exec}, nil))
	}

	merged, err := s.Resolve(results)
	require.NoError(t, err)

	// 500 is outside Q3+1.5*IQR and must not contaminate the average.
	assert.InDelta(t, 100.0, merged.Metrics[MetricExecutionTime], 1e-9)

	config := merged.Metadata[MetadataConfiguration].(map[string]any)
	assert.Equal(t, 1, config["outliers_dropped"])
	assert.Equal(t, "iqr", config["outlier_filter"])
}

// Three samples cannot produce an IQR fence that excludes anything, so
// the filter stands down and says so in the method metadata.
func TestStatistical_SmallSampleSkipsOutlierFilter(t *testing.T) {
	s := &statisticalStrategy{}
	var results []BenchmarkResult
	for i, exec := range []float64{100, 102, 5000} {
		results = append(results, result("X", "node", baseTime.Add(time.Duration(i)*time.Second),
			map[string]float64{MetricExecutionTime: exec}, nil))
	}

	merged, err := s.Resolve(results)
	require.NoError(t, err)

	config := merged.Metadata[MetadataConfiguration].(map[string]any)
	assert.Equal(t, 0, config["outliers_dropped"])
	assert.Equal(t, "skipped_small_sample", config["outlier_filter"])

	// All three samples contribute; the skewed set falls back to median.
	assert.InDelta(t, 102.0, merged.Metrics[MetricExecutionTime], 1e-9)
}

func TestStatistical_MedianForSkewedSamples(t *testing.T) {
	s := &statisticalStrategy{}
	// Heavily right-skewed throughput; execution times tight so nothing
	// is dropped as an outlier.
	var results []BenchmarkResult
	for i, tp := range []float64{10, 11, 12, 13, 1000} {
		results = append(results, result("X", "node", baseTime,
			map[string]float64{MetricThroughput: tp, MetricExecutionTime: 100 + float64(i)}, nil))
	}

	merged, err := s.Resolve(results)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, merged.Metrics[MetricThroughput], 1e-9, "skewed metric must use median")
}

func TestStatistical_Applicability(t *testing.T) {
	s := &statisticalStrategy{}
	two := make([]BenchmarkResult, 2)
	three := make([]BenchmarkResult, 3)
	assert.Equal(t, 0.5, s.Applicability(two))
	assert.Equal(t, 0.9, s.Applicability(three))
}

func TestStatistical_EmptyInput(t *testing.T) {
	s := &statisticalStrategy{}
	_, err := s.Resolve(nil)
	assert.ErrorIs(t, err, ErrNoResults)
}

// =============================================================================
// Environment-Weighted Strategy Tests
// =============================================================================

func TestEnvironmentWeighted_MajorityEnvironmentDominates(t *testing.T) {
	s := &environmentWeightedStrategy{}
	prod := map[string]any{MetadataEnvironment: "prod"}
	staging := map[string]any{MetadataEnvironment: "staging"}

	results := []BenchmarkResult{
		result("X", "a", baseTime, map[string]float64{MetricThroughput: 950}, prod),
		result("X", "b", baseTime, map[string]float64{MetricThroughput: 820}, staging),
		result("X", "c", baseTime, map[string]float64{MetricThroughput: 1100}, prod),
	}

	assert.Equal(t, 0.8, s.Applicability(results))

	merged, err := s.Resolve(results)
	require.NoError(t, err)
	assert.InDelta(t, 944.0, merged.Metrics[MetricThroughput], 1e-9)
}

func TestEnvironmentWeighted_SingleEnvironmentLowScore(t *testing.T) {
	s := &environmentWeightedStrategy{}
	prod := map[string]any{MetadataEnvironment: "prod"}
	results := []BenchmarkResult{
		result("X", "a", baseTime, map[string]float64{MetricThroughput: 100}, prod),
		result("X", "b", baseTime, map[string]float64{MetricThroughput: 200}, prod),
	}
	assert.Equal(t, 0.3, s.Applicability(results))
}

// =============================================================================
// Temporal Consensus Strategy Tests
// =============================================================================

func TestTemporalConsensus_RecentResultsWeighHeavier(t *testing.T) {
	s := &temporalConsensusStrategy{}
	results := []BenchmarkResult{
		result("X", "a", baseTime, map[string]float64{MetricThroughput: 100}, nil),
		result("X", "b", baseTime.Add(20*time.Minute), map[string]float64{MetricThroughput: 200}, nil),
	}

	assert.Equal(t, 0.7, s.Applicability(results))

	merged, err := s.Resolve(results)
	require.NoError(t, err)
	// exp(-4) weight on the old result pulls the average close to 200.
	assert.Greater(t, merged.Metrics[MetricThroughput], 190.0)
	assert.Less(t, merged.Metrics[MetricThroughput], 200.0)
}

func TestTemporalConsensus_ZeroSpreadAveragesEvenly(t *testing.T) {
	s := &temporalConsensusStrategy{}
	results := []BenchmarkResult{
		result("X", "a", baseTime, map[string]float64{MetricThroughput: 100}, nil),
		result("X", "b", baseTime, map[string]float64{MetricThroughput: 200}, nil),
	}
	merged, err := s.Resolve(results)
	require.NoError(t, err)
	assert.InDelta(t, 150.0, merged.Metrics[MetricThroughput], 1e-9)
}

// =============================================================================
// CRDT Merge Strategy Tests
// =============================================================================

func crdtFixture() []BenchmarkResult {
	return []BenchmarkResult{
		result("X", "node-1", baseTime, map[string]float64{
			MetricThroughput: 900, MetricExecutionTime: 120, MetricErrorRate: 0.01,
		}, map[string]any{MetadataEnvironment: "prod", MetadataVersion: "1.2.0"}),
		result("X", "node-2", baseTime.Add(time.Minute), map[string]float64{
			MetricThroughput: 1100, MetricExecutionTime: 80, MetricErrorRate: 0.03,
		}, map[string]any{MetadataEnvironment: "staging", MetadataVersion: "1.2.1"}),
		result("X", "node-3", baseTime.Add(2*time.Minute), map[string]float64{
			MetricThroughput: 1000, MetricExecutionTime: 100, MetricErrorRate: 0.02,
		}, map[string]any{MetadataEnvironment: "prod", MetadataVersion: "1.2.1"}),
	}
}

func TestCRDTMerge_AveragesMetrics(t *testing.T) {
	s := &crdtMergeStrategy{}
	merged, err := s.Resolve(crdtFixture())
	require.NoError(t, err)

	assert.InDelta(t, 1000.0, merged.Metrics[MetricThroughput], 1e-9)
	assert.InDelta(t, 100.0, merged.Metrics[MetricExecutionTime], 1e-9)
	assert.InDelta(t, 0.02, merged.Metrics[MetricErrorRate], 1e-9)

	// Last writer wins for environment and version.
	assert.Equal(t, "prod", merged.Metadata[MetadataEnvironment])
	assert.Equal(t, "1.2.1", merged.Metadata[MetadataVersion])
}

// Commutativity and idempotence: any permutation or duplication of the
// input set converges to the same metric values within float tolerance.
func TestCRDTMerge_PermutationAndDuplicationConverge(t *testing.T) {
	s := &crdtMergeStrategy{}
	fixture := crdtFixture()

	reference, err := s.Resolve(fixture)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		permuted := make([]BenchmarkResult, len(fixture))
		copy(permuted, fixture)
		rng.Shuffle(len(permuted), func(i, j int) {
			permuted[i], permuted[j] = permuted[j], permuted[i]
		})
		// Duplicate one entry to simulate redelivery.
		permuted = append(permuted, permuted[rng.Intn(len(permuted))])

		merged, err := s.Resolve(permuted)
		require.NoError(t, err)
		for name, want := range reference.Metrics {
			assert.InDelta(t, want, merged.Metrics[name], 1e-9,
				"metric %s diverged on trial %d", name, trial)
		}
		assert.Equal(t, reference.Metadata[MetadataEnvironment], merged.Metadata[MetadataEnvironment])
		assert.Equal(t, reference.Metadata[MetadataVersion], merged.Metadata[MetadataVersion])
	}
}

// Equal timestamps with different environments must converge to one
// winner regardless of input order; the writing node id breaks the tie.
func TestCRDTMerge_TiedTimestampsOrderIndependent(t *testing.T) {
	s := &crdtMergeStrategy{}
	a := result("X", "node-a", baseTime, map[string]float64{MetricThroughput: 100},
		map[string]any{MetadataEnvironment: "staging", MetadataVersion: "1.0.0"})
	b := result("X", "node-b", baseTime, map[string]float64{MetricThroughput: 200},
		map[string]any{MetadataEnvironment: "prod", MetadataVersion: "1.0.1"})

	forward, err := s.Resolve([]BenchmarkResult{a, b})
	require.NoError(t, err)
	reversed, err := s.Resolve([]BenchmarkResult{b, a})
	require.NoError(t, err)

	assert.Equal(t, forward.Metadata[MetadataEnvironment], reversed.Metadata[MetadataEnvironment])
	assert.Equal(t, forward.Metadata[MetadataVersion], reversed.Metadata[MetadataVersion])
	// node-b is the lexicographically greater writer on the tie.
	assert.Equal(t, "prod", forward.Metadata[MetadataEnvironment])
	assert.Equal(t, "1.0.1", forward.Metadata[MetadataVersion])
}

func TestCRDTMerge_AlwaysApplicable(t *testing.T) {
	s := &crdtMergeStrategy{}
	assert.Equal(t, 0.6, s.Applicability(nil))
}

// =============================================================================
// Performance-Optimized Strategy Tests
// =============================================================================

func TestPerformanceOptimized_KeepsTopHalf(t *testing.T) {
	s := &performanceOptimizedStrategy{}
	results := []BenchmarkResult{
		result("X", "fast", baseTime, map[string]float64{
			MetricThroughput: 1000, MetricExecutionTime: 50, MetricErrorRate: 0.0,
		}, nil),
		result("X", "mid", baseTime, map[string]float64{
			MetricThroughput: 800, MetricExecutionTime: 90, MetricErrorRate: 0.01,
		}, nil),
		result("X", "slow", baseTime, map[string]float64{
			MetricThroughput: 200, MetricExecutionTime: 400, MetricErrorRate: 0.2,
		}, nil),
		result("X", "slowest", baseTime, map[string]float64{
			MetricThroughput: 100, MetricExecutionTime: 900, MetricErrorRate: 0.5,
		}, nil),
	}

	assert.Equal(t, 0.85, s.Applicability(results))

	merged, err := s.Resolve(results)
	require.NoError(t, err)

	// Only the two best results contribute; the merged throughput must
	// land between them and far from the slow pair.
	assert.GreaterOrEqual(t, merged.Metrics[MetricThroughput], 800.0)
	assert.LessOrEqual(t, merged.Metrics[MetricThroughput], 1000.0)

	config := merged.Metadata[MetadataConfiguration].(map[string]any)
	assert.Equal(t, 2, config["kept"])
}

func TestPerformanceOptimized_RequiresBothMetrics(t *testing.T) {
	s := &performanceOptimizedStrategy{}
	results := []BenchmarkResult{
		result("X", "a", baseTime, map[string]float64{MetricThroughput: 100}, nil),
		result("X", "b", baseTime, map[string]float64{MetricThroughput: 200}, nil),
	}
	assert.Equal(t, 0.2, s.Applicability(results))
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegistry_BuiltinsRegistered(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{
		StrategyStatistical,
		StrategyEnvironmentWeighted,
		StrategyTemporalConsensus,
		StrategyCRDTMerge,
		StrategyPerformanceOptimized,
	} {
		assert.NotNil(t, r.Get(name), "missing builtin %s", name)
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&statisticalStrategy{})
	assert.ErrorIs(t, err, ErrStrategyExists)
}

func TestRegistry_SelectDefaultsToStatistical(t *testing.T) {
	r := NewRegistry()
	// An empty set scores every strategy at or below the floor except
	// crdt-merge; verify explicitly with no results and no recommendation
	// that a strategy always comes back.
	s := r.Select(nil, "")
	require.NotNil(t, s)
}

func TestRegistry_RecommendationOverrides(t *testing.T) {
	r := NewRegistry()
	results := crdtFixture() // 3 results, statistical scores 0.9
	// Environments differ, so environment-weighted scores 0.8 and the
	// recommendation overrides the higher statistical score.
	s := r.Select(results, StrategyEnvironmentWeighted)
	assert.Equal(t, StrategyEnvironmentWeighted, s.Name())
}
