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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/converge/events"
	"github.com/AleutianAI/converge/observability"
)

var tracer = otel.Tracer("github.com/AleutianAI/converge/reconcile")

// ErrNodeIDRequired is returned when a resolver is created without a node ID.
var ErrNodeIDRequired = errors.New("node id must not be empty")

// Resolution is the detailed outcome for one logical ID.
//
// A degraded resolution is NOT a failure: Result always holds a usable
// value. Degraded marks that a strategy failed and the chronologically
// last input was returned instead, with Err recording why.
type Resolution struct {
	// Result is the canonical merged result. Never nil.
	Result *BenchmarkResult

	// Analysis is the conflict classification. Zero value for
	// single-result passthrough.
	Analysis ConflictAnalysis

	// Strategy names the strategy that produced Result. Empty for
	// passthrough and degraded outcomes.
	Strategy string

	// Degraded is true when a strategy failed and Result is the
	// chronologically last input rather than a merge.
	Degraded bool

	// Err records the strategy failure behind a degraded outcome.
	Err error
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// NodeID identifies this node; merged results are stamped with it.
	// Required.
	NodeID string

	// Registry supplies the strategies. Defaults to NewRegistry().
	Registry *Registry

	// Logger for resolution events. Defaults to slog.Default().
	Logger *slog.Logger

	// Bus receives side-channel notifications. Optional.
	Bus *events.Bus

	// Metrics receives resolution counters. Optional.
	Metrics *observability.Metrics
}

// Resolver merges conflicting result sets into canonical results.
//
// Thread Safety: Safe for concurrent use.
type Resolver struct {
	nodeID   string
	registry *Registry
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *observability.Metrics
}

// NewResolver creates a resolver for the given node.
//
// Outputs:
//   - *Resolver: The resolver.
//   - error: ErrNodeIDRequired if cfg.NodeID is empty.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.NodeID == "" {
		return nil, ErrNodeIDRequired
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		nodeID:   cfg.NodeID,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
	}, nil
}

// Registry returns the strategy registry, for registering custom strategies.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// ResolveConflicts merges every conflicting result set into one canonical
// result per logical ID.
//
// Description:
//
//	Single-element sets pass through untouched. Larger sets are analyzed,
//	a strategy is selected and applied, and the merged result is stamped
//	with this node's ID, a fresh timestamp, a configuration block
//	documenting the method, and the union of all input conflict
//	annotations. A strategy failure degrades to the chronologically last
//	input; it never fails the call.
//
// Inputs:
//   - ctx: Context for tracing. Must not be nil.
//   - conflicts: Result sets keyed by logical ID. Empty sets are skipped.
//
// Outputs:
//   - map[string]BenchmarkResult: One canonical result per non-empty ID.
//
// Thread Safety: Safe for concurrent use.
func (r *Resolver) ResolveConflicts(ctx context.Context, conflicts map[string][]BenchmarkResult) map[string]BenchmarkResult {
	resolved := make(map[string]BenchmarkResult, len(conflicts))
	for id, res := range r.ResolveDetailed(ctx, conflicts) {
		resolved[id] = *res.Result
	}
	return resolved
}

// ResolveDetailed is ResolveConflicts with per-ID outcome detail, letting
// callers distinguish degraded fallbacks from clean merges.
func (r *Resolver) ResolveDetailed(ctx context.Context, conflicts map[string][]BenchmarkResult) map[string]Resolution {
	ctx, span := tracer.Start(ctx, "reconcile.resolve_conflicts",
		trace.WithAttributes(attribute.Int("conflict.sets", len(conflicts))),
	)
	defer span.End()

	// Deterministic iteration keeps logs and events stable across runs.
	ids := make([]string, 0, len(conflicts))
	for id := range conflicts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	resolutions := make(map[string]Resolution, len(conflicts))
	for _, id := range ids {
		results := conflicts[id]
		if len(results) == 0 {
			continue
		}
		resolutions[id] = r.resolveOne(ctx, id, results)
	}
	return resolutions
}

// resolveOne merges one conflicting set.
func (r *Resolver) resolveOne(ctx context.Context, id string, results []BenchmarkResult) Resolution {
	_, span := tracer.Start(ctx, "reconcile.resolve",
		trace.WithAttributes(
			attribute.String("conflict.id", id),
			attribute.Int("conflict.results", len(results)),
		),
	)
	defer span.End()

	if len(results) == 1 {
		r.countResolution("", "passthrough")
		return Resolution{Result: results[0].Clone()}
	}

	analysis := Analyze(results)
	span.SetAttributes(
		attribute.String("conflict.type", string(analysis.Type)),
		attribute.String("conflict.severity", string(analysis.Severity)),
	)
	if r.metrics != nil {
		r.metrics.ConflictSeverityTotal.WithLabelValues(string(analysis.Severity)).Inc()
	}

	strategy := r.registry.Select(results, analysis.RecommendedStrategy)
	merged, err := safeResolve(strategy, results)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return r.degrade(id, results, analysis, strategy.Name(), err)
	}

	r.stamp(merged, id, results, analysis, strategy.Name())
	r.countResolution(strategy.Name(), "resolved")
	r.bus.Publish(events.TypeResolutionCompleted, map[string]any{
		"id":       id,
		"strategy": strategy.Name(),
		"severity": string(analysis.Severity),
	})

	return Resolution{
		Result:   merged,
		Analysis: analysis,
		Strategy: strategy.Name(),
	}
}

// stamp finalizes a merged result: identity, freshness, method metadata,
// and the union of input conflict annotations.
func (r *Resolver) stamp(merged *BenchmarkResult, id string, results []BenchmarkResult, analysis ConflictAnalysis, strategy string) {
	merged.ID = id
	merged.NodeID = r.nodeID
	merged.Timestamp = time.Now().UTC()
	merged.Conflicts = unionConflicts(results)

	if merged.Metadata == nil {
		merged.Metadata = make(map[string]any)
	}
	if config, ok := merged.Metadata[MetadataConfiguration].(map[string]any); ok {
		config["conflict_type"] = string(analysis.Type)
		config["severity"] = string(analysis.Severity)
		config["resolved_by"] = r.nodeID
	}
}

// degrade falls back to the chronologically last input. The Degraded flag
// and event keep the failure visible to callers and tests.
func (r *Resolver) degrade(id string, results []BenchmarkResult, analysis ConflictAnalysis, strategy string, cause error) Resolution {
	fallback := chronologicallyLast(results)
	fallback.ID = id

	r.logger.Warn("conflict resolution degraded",
		slog.String("id", id),
		slog.String("strategy", strategy),
		slog.String("error", cause.Error()),
	)
	r.countResolution(strategy, "degraded")
	r.bus.Publish(events.TypeResolutionDegraded, map[string]any{
		"id":       id,
		"strategy": strategy,
		"error":    cause.Error(),
	})

	return Resolution{
		Result:   fallback,
		Analysis: analysis,
		Degraded: true,
		Err:      fmt.Errorf("strategy %s: %w", strategy, cause),
	}
}

func (r *Resolver) countResolution(strategy, outcome string) {
	if r.metrics == nil {
		return
	}
	if strategy == "" {
		strategy = "none"
	}
	r.metrics.ResolutionsTotal.WithLabelValues(strategy, outcome).Inc()
}

// safeResolve applies a strategy, converting panics into errors so a
// misbehaving strategy degrades instead of crashing the caller.
func safeResolve(strategy Strategy, results []BenchmarkResult) (merged *BenchmarkResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("strategy panic: %v", rec)
		}
	}()
	merged, err = strategy.Resolve(results)
	if err == nil && merged == nil {
		err = errors.New("strategy returned nil result")
	}
	return merged, err
}
