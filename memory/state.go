// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory owns the authoritative store of per-(agent,node)
// verification state: in-memory map, asynchronous persistence, agent
// lifecycle tracking, orphan cleanup, cross-node synchronization, and
// backup/restore.
package memory

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/converge/pkg/crdt"
)

var (
	// ErrNilState is returned when storing a nil state.
	ErrNilState = errors.New("state must not be nil")

	// ErrEmptyKey is returned when a state has no agent or node id.
	ErrEmptyKey = errors.New("state requires agent id and node id")

	// ErrInvalidIdentifier is returned when an agent or node id is not
	// filesystem-safe.
	ErrInvalidIdentifier = errors.New("invalid agent or node identifier")

	// ErrBackupCorrupt is returned when a backup fails checksum
	// verification. The live store is never mutated in that case.
	ErrBackupCorrupt = errors.New("backup checksum mismatch")

	// ErrBackupNotFound is returned when restoring an unknown backup id.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrShutdown is returned by operations on a manager that has been
	// shut down.
	ErrShutdown = errors.New("manager is shut down")
)

// State is the replicated verification state for one (agent, node) pair.
// Every mutable field is a CRDT, so two replicas holding divergent
// histories of the same key converge after merging in any order.
type State struct {
	AgentID   string    `json:"agent_id"`
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`

	// Metrics holds cumulative per-metric tallies (runs, failures,
	// total execution time) as grow-only counters.
	Metrics map[string]*crdt.GCounter `json:"metrics,omitempty"`

	// Markers is the set of verification markers observed for the pair
	// (passed checks, emitted artifacts).
	Markers *crdt.ORSet[string] `json:"markers,omitempty"`

	// Attributes holds last-writer-wins facts such as environment and
	// version.
	Attributes map[string]*crdt.LWWRegister[string] `json:"attributes,omitempty"`
}

// NewState creates an empty state for the pair.
func NewState(agentID, nodeID string) *State {
	return &State{
		AgentID:    agentID,
		NodeID:     nodeID,
		Timestamp:  time.Now().UTC(),
		Metrics:    make(map[string]*crdt.GCounter),
		Markers:    crdt.NewORSet[string](),
		Attributes: make(map[string]*crdt.LWWRegister[string]),
	}
}

// Key returns the composite store key for this state.
func (s *State) Key() string {
	return StateKey(s.AgentID, s.NodeID)
}

// StateKey builds the composite key for an (agent, node) pair.
func StateKey(agentID, nodeID string) string {
	return agentID + ":" + nodeID
}

// Merge folds other into s field by field. Both operands keep their
// replica identity; merge order does not affect the outcome.
func (s *State) Merge(other *State) error {
	if other == nil {
		return crdt.ErrNilMerge
	}

	for name, counter := range other.Metrics {
		if existing, ok := s.Metrics[name]; ok {
			if err := existing.Merge(counter); err != nil {
				return fmt.Errorf("merge metric %q: %w", name, err)
			}
			continue
		}
		if s.Metrics == nil {
			s.Metrics = make(map[string]*crdt.GCounter)
		}
		s.Metrics[name] = counter.Clone()
	}

	if other.Markers != nil {
		if s.Markers == nil {
			s.Markers = crdt.NewORSet[string]()
		}
		if err := s.Markers.Merge(other.Markers); err != nil {
			return fmt.Errorf("merge markers: %w", err)
		}
	}

	for name, reg := range other.Attributes {
		if existing, ok := s.Attributes[name]; ok {
			if err := existing.Merge(reg); err != nil {
				return fmt.Errorf("merge attribute %q: %w", name, err)
			}
			continue
		}
		if s.Attributes == nil {
			s.Attributes = make(map[string]*crdt.LWWRegister[string])
		}
		s.Attributes[name] = reg.Clone()
	}

	if other.Timestamp.After(s.Timestamp) {
		s.Timestamp = other.Timestamp
	}
	return nil
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := &State{
		AgentID:   s.AgentID,
		NodeID:    s.NodeID,
		Timestamp: s.Timestamp,
	}
	if s.Metrics != nil {
		out.Metrics = make(map[string]*crdt.GCounter, len(s.Metrics))
		for name, counter := range s.Metrics {
			out.Metrics[name] = counter.Clone()
		}
	}
	if s.Markers != nil {
		out.Markers = s.Markers.Clone()
	}
	if s.Attributes != nil {
		out.Attributes = make(map[string]*crdt.LWWRegister[string], len(s.Attributes))
		for name, reg := range s.Attributes {
			out.Attributes[name] = reg.Clone()
		}
	}
	return out
}

// AgentInfo is one registry entry: the node an agent last reported from
// and when.
type AgentInfo struct {
	NodeID   string    `json:"node_id"`
	LastSeen time.Time `json:"last_seen"`
}
