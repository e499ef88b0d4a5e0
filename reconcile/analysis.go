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
	"math"
	"sort"
	"time"
)

// timingSpreadThreshold is the timestamp spread beyond which divergence is
// attributed to timing rather than data.
const timingSpreadThreshold = 5 * time.Minute

// ConflictType classifies the structural cause of divergent results.
type ConflictType string

const (
	ConflictTiming        ConflictType = "timing"
	ConflictEnvironment   ConflictType = "environment"
	ConflictConfiguration ConflictType = "configuration"
	ConflictVersion       ConflictType = "version"
	ConflictData          ConflictType = "data"
)

// Severity grades how far the conflicting metrics diverge.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ConflictAnalysis describes one conflicting result set. Derived, never
// persisted.
type ConflictAnalysis struct {
	// Type is the structural cause of the divergence.
	Type ConflictType `json:"conflict_type"`

	// Severity grades the metric divergence.
	Severity Severity `json:"severity"`

	// AffectedMetrics lists metrics whose coefficient of variation
	// exceeds the low-severity threshold.
	AffectedMetrics []string `json:"affected_metrics"`

	// RecommendedStrategy names the strategy best matched to Type.
	RecommendedStrategy string `json:"recommended_strategy"`

	// Confidence is the analyzer's confidence in the recommendation, [0,1].
	Confidence float64 `json:"confidence"`
}

// metricStats holds per-metric descriptive statistics across a result set.
type metricStats struct {
	mean   float64
	stddev float64
	cv     float64 // coefficient of variation, stddev/|mean|
}

// analyzeMetrics computes mean/stddev/CV for every metric present in at
// least two results. Metrics observed once carry no divergence signal.
func analyzeMetrics(results []BenchmarkResult) map[string]metricStats {
	values := make(map[string][]float64)
	for _, r := range results {
		for name, v := range r.Metrics {
			values[name] = append(values[name], v)
		}
	}

	stats := make(map[string]metricStats, len(values))
	for name, vs := range values {
		if len(vs) < 2 {
			continue
		}
		m := mean(vs)
		sd := stddev(vs, m)
		cv := 0.0
		if m != 0 {
			cv = sd / math.Abs(m)
		}
		stats[name] = metricStats{mean: m, stddev: sd, cv: cv}
	}
	return stats
}

// Analyze classifies a conflicting result set.
//
// Description:
//
//	Computes per-metric dispersion, attributes the divergence to a
//	structural cause, and grades severity from the maximum coefficient
//	of variation: >0.5 critical, >0.3 high, >0.1 medium, else low.
//
//	Cause attribution checks, in order: differing environments, timestamp
//	spread beyond five minutes, differing configuration fingerprints,
//	differing versions, else plain data divergence.
//
// Inputs:
//   - results: Two or more results for the same logical ID.
//
// Outputs:
//   - ConflictAnalysis: The classification. Zero value if len(results) < 2.
func Analyze(results []BenchmarkResult) ConflictAnalysis {
	if len(results) < 2 {
		return ConflictAnalysis{}
	}

	stats := analyzeMetrics(results)

	maxCV := 0.0
	var affected []string
	for name, s := range stats {
		if s.cv > 0.1 {
			affected = append(affected, name)
		}
		if s.cv > maxCV {
			maxCV = s.cv
		}
	}
	sort.Strings(affected)

	analysis := ConflictAnalysis{
		Type:            classify(results),
		Severity:        severityOf(maxCV),
		AffectedMetrics: affected,
	}
	analysis.RecommendedStrategy = recommendedFor(analysis.Type)
	analysis.Confidence = confidence(len(results), maxCV)
	return analysis
}

// classify attributes divergence to its structural cause.
func classify(results []BenchmarkResult) ConflictType {
	if distinctEnvironments(results) > 1 {
		return ConflictEnvironment
	}
	if timestampSpread(results) > timingSpreadThreshold {
		return ConflictTiming
	}
	if distinct(results, (*BenchmarkResult).ConfigFingerprint) > 1 {
		return ConflictConfiguration
	}
	if distinct(results, (*BenchmarkResult).Version) > 1 {
		return ConflictVersion
	}
	return ConflictData
}

func severityOf(maxCV float64) Severity {
	switch {
	case maxCV > 0.5:
		return SeverityCritical
	case maxCV > 0.3:
		return SeverityHigh
	case maxCV > 0.1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// recommendedFor maps a conflict type to the strategy built for it.
func recommendedFor(t ConflictType) string {
	switch t {
	case ConflictEnvironment:
		return StrategyEnvironmentWeighted
	case ConflictTiming:
		return StrategyTemporalConsensus
	case ConflictConfiguration, ConflictVersion:
		return StrategyCRDTMerge
	default:
		return StrategyStatistical
	}
}

// confidence scores the recommendation: more samples raise it, wild
// dispersion lowers it. Clamped to [0.1, 0.95].
func confidence(n int, maxCV float64) float64 {
	c := 0.5 + 0.05*float64(n) - 0.3*math.Min(maxCV, 1.0)
	return math.Min(0.95, math.Max(0.1, c))
}

func distinctEnvironments(results []BenchmarkResult) int {
	return distinct(results, (*BenchmarkResult).Environment)
}

// distinct counts distinct values of an accessor across the set.
func distinct(results []BenchmarkResult, accessor func(*BenchmarkResult) string) int {
	seen := make(map[string]struct{}, len(results))
	for i := range results {
		seen[accessor(&results[i])] = struct{}{}
	}
	return len(seen)
}

// timestampSpread returns newest minus oldest timestamp.
func timestampSpread(results []BenchmarkResult) time.Duration {
	if len(results) == 0 {
		return 0
	}
	oldest, newest := results[0].Timestamp, results[0].Timestamp
	for _, r := range results[1:] {
		if r.Timestamp.Before(oldest) {
			oldest = r.Timestamp
		}
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}
	return newest.Sub(oldest)
}

// -----------------------------------------------------------------------------
// Descriptive statistics
// -----------------------------------------------------------------------------

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func stddev(vs []float64, m float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vs)))
}

func median(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := make([]float64, len(vs))
	copy(sorted, vs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// skewness returns the sample skewness (Fisher-Pearson). Zero for fewer
// than three samples or zero dispersion.
func skewness(vs []float64) float64 {
	if len(vs) < 3 {
		return 0
	}
	m := mean(vs)
	sd := stddev(vs, m)
	if sd == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		d := (v - m) / sd
		sum += d * d * d
	}
	return sum / float64(len(vs))
}

// quartiles returns Q1 and Q3 by linear interpolation.
func quartiles(vs []float64) (q1, q3 float64) {
	sorted := make([]float64, len(vs))
	copy(sorted, vs)
	sort.Float64s(sorted)
	return percentile(sorted, 0.25), percentile(sorted, 0.75)
}

// percentile computes the p-th percentile of sorted values by linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
