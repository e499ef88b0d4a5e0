// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"fmt"
	"math"
	"sort"

	"github.com/AleutianAI/converge/pkg/crdt"
)

// -----------------------------------------------------------------------------
// Statistical
// -----------------------------------------------------------------------------

// statisticalStrategy drops IQR outliers on execution time, then merges each
// metric with the median when the sample is heavily skewed (|skewness| > 1)
// and the mean otherwise.
type statisticalStrategy struct{}

func (s *statisticalStrategy) Name() string  { return StrategyStatistical }
func (s *statisticalStrategy) Priority() int { return 1 }

// Applicability favors sets large enough for outlier detection.
func (s *statisticalStrategy) Applicability(results []BenchmarkResult) float64 {
	if len(results) >= 3 {
		return 0.9
	}
	return 0.5
}

func (s *statisticalStrategy) Resolve(results []BenchmarkResult) (*BenchmarkResult, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	kept, filtered := dropExecutionTimeOutliers(results)
	outlierFilter := "iqr"
	if !filtered {
		outlierFilter = "skipped_small_sample"
	}

	merged := make(map[string]float64)
	methods := make(map[string]any)
	for _, name := range metricNames(kept) {
		vs := metricValues(kept, name)
		method := "mean"
		value := mean(vs)
		if math.Abs(skewness(vs)) > 1 {
			method = "median"
			value = median(vs)
		}
		merged[name] = value
		methods[name] = map[string]any{
			"method": method,
			"stddev": stddev(vs, mean(vs)),
		}
	}

	return &BenchmarkResult{
		Metrics: merged,
		Metadata: map[string]any{
			MetadataConfiguration: map[string]any{
				"method":           StrategyStatistical,
				"samples":          len(results),
				"outlier_filter":   outlierFilter,
				"outliers_dropped": len(results) - len(kept),
				"metrics":          methods,
			},
		},
	}, nil
}

// dropExecutionTimeOutliers removes results whose execution time falls
// outside [Q1-1.5*IQR, Q3+1.5*IQR]. Results without an execution-time
// metric are kept.
//
// Sets smaller than four pass through unfiltered, and the caller records
// that in the method metadata: with rank-interpolated quartiles on three
// sorted samples a<=b<=c, the upper fence is (b+c)/2 + 3(c-a)/4, and
// c exceeds it only when 3a-2b > c, which ordering rules out. So the
// fence can never exclude anything at N=3 and the filter would only
// pretend to run.
func dropExecutionTimeOutliers(results []BenchmarkResult) ([]BenchmarkResult, bool) {
	times := metricValues(results, MetricExecutionTime)
	if len(times) < 4 {
		return results, false
	}

	q1, q3 := quartiles(times)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr

	kept := make([]BenchmarkResult, 0, len(results))
	for _, r := range results {
		t, ok := r.Metrics[MetricExecutionTime]
		if ok && (t < lo || t > hi) {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		return results, false
	}
	return kept, true
}

// -----------------------------------------------------------------------------
// Environment-weighted
// -----------------------------------------------------------------------------

// environmentWeightedStrategy weights each result by how common its
// environment is in the set, so the majority environment dominates without
// silencing the minority.
type environmentWeightedStrategy struct{}

func (s *environmentWeightedStrategy) Name() string  { return StrategyEnvironmentWeighted }
func (s *environmentWeightedStrategy) Priority() int { return 2 }

func (s *environmentWeightedStrategy) Applicability(results []BenchmarkResult) float64 {
	if distinctEnvironments(results) > 1 {
		return 0.8
	}
	return 0.3
}

func (s *environmentWeightedStrategy) Resolve(results []BenchmarkResult) (*BenchmarkResult, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	counts := make(map[string]int)
	for i := range results {
		counts[results[i].Environment()]++
	}
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}

	weights := make([]float64, len(results))
	for i := range results {
		weights[i] = float64(counts[results[i].Environment()]) / float64(maxCount)
	}

	return &BenchmarkResult{
		Metrics: weightedAverage(results, weights),
		Metadata: map[string]any{
			MetadataConfiguration: map[string]any{
				"method":       StrategyEnvironmentWeighted,
				"environments": counts,
			},
		},
	}, nil
}

// -----------------------------------------------------------------------------
// Temporal consensus
// -----------------------------------------------------------------------------

// temporalConsensusStrategy weights results by recency with exponential
// decay, so measurements taken long before the newest one fade out.
type temporalConsensusStrategy struct{}

func (s *temporalConsensusStrategy) Name() string  { return StrategyTemporalConsensus }
func (s *temporalConsensusStrategy) Priority() int { return 3 }

func (s *temporalConsensusStrategy) Applicability(results []BenchmarkResult) float64 {
	if timestampSpread(results) > timingSpreadThreshold {
		return 0.7
	}
	return 0.4
}

func (s *temporalConsensusStrategy) Resolve(results []BenchmarkResult) (*BenchmarkResult, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	spread := timestampSpread(results)
	newest := results[0].Timestamp
	for _, r := range results[1:] {
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}

	weights := make([]float64, len(results))
	if spread == 0 {
		for i := range weights {
			weights[i] = 1
		}
	} else {
		// Decay constant of spread/4 leaves the oldest result at
		// roughly exp(-4) of the newest one's weight.
		tau := spread.Seconds() / 4
		for i := range results {
			age := newest.Sub(results[i].Timestamp).Seconds()
			weights[i] = math.Exp(-age / tau)
		}
	}

	return &BenchmarkResult{
		Metrics: weightedAverage(results, weights),
		Metadata: map[string]any{
			MetadataConfiguration: map[string]any{
				"method":         StrategyTemporalConsensus,
				"spread_seconds": spread.Seconds(),
			},
		},
	}, nil
}

// -----------------------------------------------------------------------------
// CRDT merge
// -----------------------------------------------------------------------------

// crdtMergeStrategy funnels every observation through the crdt primitives:
// metrics through per-replica GCounters (sum divided by sample count),
// error rates through an ORSet, environment and version through
// LWWRegisters. Because every primitive merge is commutative and
// idempotent, any permutation or duplication of the inputs converges to
// the same output. This is the always-applicable fallback.
type crdtMergeStrategy struct{}

func (s *crdtMergeStrategy) Name() string  { return StrategyCRDTMerge }
func (s *crdtMergeStrategy) Priority() int { return 5 }

func (s *crdtMergeStrategy) Applicability(results []BenchmarkResult) float64 {
	return 0.6
}

func (s *crdtMergeStrategy) Resolve(results []BenchmarkResult) (*BenchmarkResult, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	merged := make(map[string]float64)
	for _, name := range metricNames(results) {
		if name == MetricErrorRate {
			continue
		}
		value, err := gcounterAverage(results, name)
		if err != nil {
			return nil, err
		}
		merged[name] = value
	}

	// Error rates go through an observed-remove set; duplicated
	// observations collapse before averaging.
	errorRates := crdt.NewORSet[float64]()
	sawErrorRate := false
	for i := range results {
		if v, ok := results[i].Metrics[MetricErrorRate]; ok {
			errorRates.Add(v)
			sawErrorRate = true
		}
	}
	if sawErrorRate {
		merged[MetricErrorRate] = mean(errorRates.Values())
	}

	metadata := map[string]any{
		MetadataConfiguration: map[string]any{
			"method":  StrategyCRDTMerge,
			"samples": len(results),
		},
	}

	env, err := lwwMerge(results, (*BenchmarkResult).Environment)
	if err != nil {
		return nil, err
	}
	if env != "" {
		metadata[MetadataEnvironment] = env
	}
	version, err := lwwMerge(results, (*BenchmarkResult).Version)
	if err != nil {
		return nil, err
	}
	if version != "" {
		metadata[MetadataVersion] = version
	}

	return &BenchmarkResult{Metrics: merged, Metadata: metadata}, nil
}

// lwwMerge folds one string field through per-result registers, one per
// writing node, and merges them. Timestamp ties then fall to the register
// replica-id tie-break, which is the same winner for any input order.
func lwwMerge(results []BenchmarkResult, field func(*BenchmarkResult) string) (string, error) {
	var acc *crdt.LWWRegister[string]
	for i := range results {
		v := field(&results[i])
		if v == "" {
			continue
		}
		replica := results[i].NodeID
		if replica == "" {
			// Deterministic stand-in for unattributed results.
			replica = v
		}
		reg, err := crdt.NewLWWRegister[string](replica)
		if err != nil {
			return "", err
		}
		reg.Set(v, results[i].Timestamp.UnixMilli())
		if acc == nil {
			acc = reg
			continue
		}
		if err := acc.Merge(reg); err != nil {
			return "", err
		}
	}
	if acc == nil {
		return "", nil
	}
	return acc.Get(), nil
}

// gcounterAverage folds one metric's observations into per-replica
// GCounters, merges them, and divides by the sample count. Negative
// observations cannot enter a grow-only counter and average directly.
func gcounterAverage(results []BenchmarkResult, name string) (float64, error) {
	var vs []float64
	counters := make([]*crdt.GCounter, 0, len(results))
	for i := range results {
		v, ok := results[i].Metrics[name]
		if !ok {
			continue
		}
		vs = append(vs, v)
		if v < 0 {
			continue
		}
		c, err := crdt.NewGCounter(fmt.Sprintf("%s#%d", results[i].NodeID, i))
		if err != nil {
			return 0, err
		}
		if err := c.Increment(v); err != nil {
			return 0, err
		}
		counters = append(counters, c)
	}
	if len(vs) == 0 {
		return 0, nil
	}
	if len(counters) != len(vs) {
		return mean(vs), nil
	}

	total := counters[0]
	for _, c := range counters[1:] {
		if err := total.Merge(c); err != nil {
			return 0, err
		}
	}
	return total.Value() / float64(len(vs)), nil
}

// -----------------------------------------------------------------------------
// Performance-optimized
// -----------------------------------------------------------------------------

// performanceOptimizedStrategy scores each result on normalized throughput,
// inverted normalized execution time, and inverted error rate, keeps the
// top half, and averages their metrics weighted by score.
type performanceOptimizedStrategy struct{}

func (s *performanceOptimizedStrategy) Name() string  { return StrategyPerformanceOptimized }
func (s *performanceOptimizedStrategy) Priority() int { return 4 }

func (s *performanceOptimizedStrategy) Applicability(results []BenchmarkResult) float64 {
	if len(results) == 0 {
		return 0.2
	}
	for i := range results {
		if _, ok := results[i].Metrics[MetricThroughput]; !ok {
			return 0.2
		}
		if _, ok := results[i].Metrics[MetricExecutionTime]; !ok {
			return 0.2
		}
	}
	return 0.85
}

func (s *performanceOptimizedStrategy) Resolve(results []BenchmarkResult) (*BenchmarkResult, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	throughputs := metricValues(results, MetricThroughput)
	execTimes := metricValues(results, MetricExecutionTime)

	scores := make([]float64, len(results))
	for i := range results {
		throughput := normalize(results[i].Metrics[MetricThroughput], throughputs)
		execTime := normalize(results[i].Metrics[MetricExecutionTime], execTimes)
		errorRate := math.Min(math.Max(results[i].Metrics[MetricErrorRate], 0), 1)
		scores[i] = 0.4*throughput + 0.4*(1-execTime) + 0.2*(1-errorRate)
	}

	// Keep the top ceil(50%), never fewer than two.
	keep := (len(results) + 1) / 2
	if keep < 2 {
		keep = len(results)
		if keep > 2 {
			keep = 2
		}
	}
	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	top := make([]BenchmarkResult, 0, keep)
	topWeights := make([]float64, 0, keep)
	for _, idx := range order[:keep] {
		top = append(top, results[idx])
		topWeights = append(topWeights, scores[idx])
	}

	return &BenchmarkResult{
		Metrics: weightedAverage(top, topWeights),
		Metadata: map[string]any{
			MetadataConfiguration: map[string]any{
				"method":  StrategyPerformanceOptimized,
				"kept":    keep,
				"samples": len(results),
			},
		},
	}, nil
}

// normalize maps v onto [0,1] within the observed range of vs.
// A degenerate range (all values equal) maps to 0 so that the
// complementary 1-x terms favor nothing.
func normalize(v float64, vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	lo, hi := vs[0], vs[0]
	for _, x := range vs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	if hi == lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

// -----------------------------------------------------------------------------
// Shared helpers
// -----------------------------------------------------------------------------

// metricNames returns the union of metric names across the set, sorted.
func metricNames(results []BenchmarkResult) []string {
	seen := make(map[string]struct{})
	for i := range results {
		for name := range results[i].Metrics {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// metricValues returns every observation of one metric across the set.
func metricValues(results []BenchmarkResult, name string) []float64 {
	var vs []float64
	for i := range results {
		if v, ok := results[i].Metrics[name]; ok {
			vs = append(vs, v)
		}
	}
	return vs
}

// weightedAverage merges every metric as sum(w*v)/sum(w), where the sums
// run over the results that carry that metric.
func weightedAverage(results []BenchmarkResult, weights []float64) map[string]float64 {
	merged := make(map[string]float64)
	for _, name := range metricNames(results) {
		var weightedSum, totalWeight float64
		for i := range results {
			v, ok := results[i].Metrics[name]
			if !ok {
				continue
			}
			weightedSum += weights[i] * v
			totalWeight += weights[i]
		}
		if totalWeight == 0 {
			merged[name] = mean(metricValues(results, name))
			continue
		}
		merged[name] = weightedSum / totalWeight
	}
	return merged
}
