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
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registered strategy names.
const (
	StrategyStatistical          = "statistical"
	StrategyEnvironmentWeighted  = "environment-weighted"
	StrategyTemporalConsensus    = "temporal-consensus"
	StrategyCRDTMerge            = "crdt-merge"
	StrategyPerformanceOptimized = "performance-optimized"
)

// applicabilityFloor is the minimum score for a strategy to be considered.
const applicabilityFloor = 0.3

// recommendedFloor is the minimum score for the analyzer's recommendation
// to override the highest-scoring candidate.
const recommendedFloor = 0.5

var (
	// ErrStrategyExists is returned when registering a duplicate name.
	ErrStrategyExists = errors.New("strategy already registered")

	// ErrNoResults is returned when a strategy resolves an empty set.
	ErrNoResults = errors.New("result set must not be empty")
)

// Strategy merges a conflicting result set into one canonical result.
//
// Implementations must be pure functions of their input: no retained
// state, no mutation of the inputs, deterministic output for a given set
// (up to commutative reordering).
type Strategy interface {
	// Name returns the registry key for this strategy.
	Name() string

	// Priority orders strategies with equal applicability; lower wins.
	Priority() int

	// Applicability scores how well this strategy fits the result set,
	// in [0,1].
	Applicability(results []BenchmarkResult) float64

	// Resolve merges the result set. The returned result carries merged
	// metrics and method metadata; identity stamping is the resolver's job.
	Resolve(results []BenchmarkResult) (*BenchmarkResult, error)
}

// Registry holds the available strategies keyed by name.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates a registry pre-loaded with the five built-in
// strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, s := range []Strategy{
		&statisticalStrategy{},
		&environmentWeightedStrategy{},
		&temporalConsensusStrategy{},
		&crdtMergeStrategy{},
		&performanceOptimizedStrategy{},
	} {
		// Built-in names are distinct; Register cannot fail here.
		_ = r.Register(s)
	}
	return r
}

// Register adds a strategy to the registry.
//
// Outputs:
//   - error: ErrStrategyExists if the name is already taken.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrStrategyExists, s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Get returns the strategy registered under name, or nil.
func (r *Registry) Get(name string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategies[name]
}

// All returns the registered strategies sorted by name.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

// Select picks the strategy for a result set.
//
// Description:
//
//	Scores every registered strategy and keeps candidates above the
//	applicability floor. The analyzer's recommendation wins if its own
//	score exceeds 0.5; otherwise the highest score wins, with ties going
//	to the lower priority value. Falls back to the statistical strategy
//	when nothing qualifies.
//
// Inputs:
//   - results: The conflicting result set.
//   - recommended: Strategy name recommended by the analyzer. May be "".
//
// Outputs:
//   - Strategy: The selected strategy. Never nil.
func (r *Registry) Select(results []BenchmarkResult, recommended string) Strategy {
	if s := r.Get(recommended); s != nil && s.Applicability(results) > recommendedFloor {
		return s
	}

	var best Strategy
	var bestScore float64
	for _, s := range r.All() {
		score := s.Applicability(results)
		if score <= applicabilityFloor {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && s.Priority() < best.Priority()) {
			best = s
			bestScore = score
		}
	}
	if best == nil {
		best = r.Get(StrategyStatistical)
	}
	return best
}
