// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/converge/config"
	"github.com/AleutianAI/converge/events"
	"github.com/AleutianAI/converge/observability"
	"github.com/AleutianAI/converge/pkg/validation"
)

var tracer = otel.Tracer("github.com/AleutianAI/converge/memory")

// NodeSyncer pushes state batches to a remote node. The transport is
// external; implementations decide the wire format.
type NodeSyncer interface {
	PushBatch(ctx context.Context, nodeID string, states []*State) error
}

// MemoryStats is a point-in-time snapshot of the manager.
type MemoryStats struct {
	NodeID             string `json:"node_id"`
	StateCount         int    `json:"state_count"`
	ActiveAgents       int    `json:"active_agents"`
	PendingPersistence int    `json:"pending_persistence"`
	CleanupRuns        int64  `json:"cleanup_runs"`
	RecentConflicts    int    `json:"recent_conflicts"`
	HeapBytes          uint64 `json:"heap_bytes"`
}

// ConflictRecord notes one CRDT merge onto an already-present entry,
// typically from concurrent updates or an incoming sync batch.
type ConflictRecord struct {
	Key       string    `json:"key"`
	AgentID   string    `json:"agent_id"`
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager owns the authoritative state map for one node.
//
// Description:
//
//	Stores per-(agent,node) CRDT state, tracks the agents producing it,
//	persists entries asynchronously through a bounded queue, runs a
//	background orphan-cleanup loop, and supports checksummed backup and
//	restore. All state access goes through the manager; there are no
//	process-wide registries.
//
// Thread Safety: Safe for concurrent use. The store mutex serializes
// map access; a separate queue mutex covers the persistence queue so
// disk flushes never hold the store lock.
type Manager struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *events.Bus
	metrics *observability.Metrics
	syncer  NodeSyncer

	mu             sync.RWMutex
	states         map[string]*State
	registry       map[string]AgentInfo
	pendingCleanup map[string]struct{}
	// conflicts is a bounded ring of recent merges onto existing
	// entries, sized by Synchronization.ConflictBufferSize.
	conflicts []ConflictRecord

	queueMu sync.Mutex
	queue   []string
	queued  map[string]struct{}

	// fileLocks serializes disk writes per state key so a flush racing
	// a termination persist cannot interleave writes to one file.
	fileLocks sync.Map // key -> *sync.Mutex

	cleanupRuns atomic.Int64
	// dirty flips once this session mutates the store; read-only sessions
	// skip the final shutdown backup.
	dirty atomic.Bool

	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBus sets the event bus.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithSyncer sets the cross-node transport.
func WithSyncer(s NodeSyncer) Option {
	return func(m *Manager) { m.syncer = s }
}

// NewManager creates and starts a Manager.
//
// Inputs:
//
//	cfg - Validated configuration. NodeID is required.
//	opts - Optional collaborators.
//
// Outputs:
//
//	*Manager - Running manager with the cleanup loop started.
//	error - Non-nil if cfg.NodeID is empty or the persistence
//	        directory cannot be created.
func NewManager(cfg config.Config, opts ...Option) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.Persistence.Enabled {
		if err := os.MkdirAll(cfg.Persistence.Directory, 0750); err != nil {
			return nil, fmt.Errorf("create persistence directory %s: %w", cfg.Persistence.Directory, err)
		}
	}

	m := &Manager{
		cfg:            cfg,
		logger:         slog.Default(),
		states:         make(map[string]*State),
		registry:       make(map[string]AgentInfo),
		pendingCleanup: make(map[string]struct{}),
		queued:         make(map[string]struct{}),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanupLoop(cfg.Cleanup.OrphanCleanupInterval.Std())
	return m, nil
}

// StoreState merges state into the authoritative map, refreshes the
// producing agent's registry entry, queues the entry for persistence,
// and reacts to memory pressure.
//
// Inputs:
//
//	ctx - Bounds the inline persistence flush.
//	state - The state to store. Merged CRDT-wise into any existing
//	        entry for the same key; the argument is not retained.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) StoreState(ctx context.Context, state *State) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	if state == nil {
		return ErrNilState
	}
	if state.AgentID == "" || state.NodeID == "" {
		return ErrEmptyKey
	}
	// Keys become file names; reject anything that could escape the
	// persistence directory.
	if err := validation.ValidateIdentifiers([]string{state.AgentID, state.NodeID}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}

	key := state.Key()
	m.mu.Lock()
	if existing, ok := m.states[key]; ok {
		if err := existing.Merge(state); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("merge state %s: %w", key, err)
		}
		m.recordConflictLocked(key, state)
	} else {
		m.states[key] = state.Clone()
	}
	m.registry[state.AgentID] = AgentInfo{NodeID: state.NodeID, LastSeen: time.Now().UTC()}
	stateCount := len(m.states)
	agentCount := len(m.registry)
	m.mu.Unlock()

	m.dirty.Store(true)
	if m.metrics != nil {
		m.metrics.StatesStored.Set(float64(stateCount))
		m.metrics.ActiveAgents.Set(float64(agentCount))
	}

	if m.cfg.Persistence.Enabled {
		m.enqueue(key)
		m.flushBatch(ctx)
	}

	m.checkMemoryPressure(ctx)
	return nil
}

// GetState returns the state for key, loading it from disk on a memory
// miss. Absence anywhere is (nil, nil), never an error: a read racing a
// cleanup deletion sees ordinary absence.
func (m *Manager) GetState(ctx context.Context, key string) (*State, error) {
	if m.closed.Load() {
		return nil, ErrShutdown
	}

	m.mu.RLock()
	state, ok := m.states[key]
	if ok {
		clone := state.Clone()
		m.mu.RUnlock()
		return clone, nil
	}
	m.mu.RUnlock()

	if !m.cfg.Persistence.Enabled {
		return nil, nil
	}

	loaded, err := m.loadState(key)
	if err != nil {
		// Unparseable files surface through ValidateCleanup; a read
		// treats them as absence.
		m.logger.Warn("state file unreadable", "key", key, "error", err)
		return nil, nil
	}
	if loaded == nil {
		return nil, nil
	}

	m.mu.Lock()
	if existing, ok := m.states[key]; ok {
		// A concurrent store repopulated the key; merge and prefer
		// the live entry.
		if err := existing.Merge(loaded); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("merge loaded state %s: %w", key, err)
		}
		loaded = existing.Clone()
	} else {
		m.states[key] = loaded.Clone()
	}
	m.mu.Unlock()
	return loaded, nil
}

// RegisterAgent upserts the registry entry for agentID.
func (m *Manager) RegisterAgent(agentID, nodeID string) {
	m.mu.Lock()
	m.registry[agentID] = AgentInfo{NodeID: nodeID, LastSeen: time.Now().UTC()}
	agentCount := len(m.registry)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveAgents.Set(float64(agentCount))
	}
}

// HandleAgentTermination persists the agent's states, writes a dedicated
// agent backup file, queues the keys for cleanup, and deregisters the
// agent. An unknown agent id is an informational no-op.
func (m *Manager) HandleAgentTermination(ctx context.Context, agentID string) error {
	if m.closed.Load() {
		return ErrShutdown
	}

	ctx, span := tracer.Start(ctx, "memory.HandleAgentTermination")
	defer span.End()
	span.SetAttributes(attribute.String("agent.id", agentID))

	m.mu.Lock()
	_, known := m.registry[agentID]
	if !known {
		m.mu.Unlock()
		m.logger.Info("termination for unknown agent", "agent_id", agentID)
		m.bus.Publish(events.TypeAgentUnknown, map[string]any{"agent_id": agentID})
		return nil
	}

	var owned []*State
	for key, state := range m.states {
		if state.AgentID == agentID {
			owned = append(owned, state.Clone())
			m.pendingCleanup[key] = struct{}{}
		}
	}
	delete(m.registry, agentID)
	agentCount := len(m.registry)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveAgents.Set(float64(agentCount))
	}

	m.dirty.Store(true)
	var errs []error
	if m.cfg.Persistence.Enabled {
		for _, state := range owned {
			if err := m.persistState(state); err != nil {
				errs = append(errs, fmt.Errorf("persist %s: %w", state.Key(), err))
			}
		}
		if err := m.writeAgentBackup(agentID, owned); err != nil {
			errs = append(errs, fmt.Errorf("agent backup: %w", err))
		}
	}

	m.bus.Publish(events.TypeAgentTerminated, map[string]any{
		"agent_id": agentID,
		"states":   len(owned),
	})
	m.logger.Info("agent terminated", "agent_id", agentID, "states", len(owned))
	return errors.Join(errs...)
}

// recordConflictLocked appends to the conflict ring, dropping the oldest
// entries past the configured capacity. Caller holds the store mutex.
func (m *Manager) recordConflictLocked(key string, state *State) {
	limit := m.cfg.Synchronization.ConflictBufferSize
	if limit <= 0 {
		return
	}
	m.conflicts = append(m.conflicts, ConflictRecord{
		Key:       key,
		AgentID:   state.AgentID,
		NodeID:    state.NodeID,
		Timestamp: time.Now().UTC(),
	})
	if len(m.conflicts) > limit {
		m.conflicts = m.conflicts[len(m.conflicts)-limit:]
	}
}

// RecentConflicts returns the buffered merge conflicts, oldest first.
func (m *Manager) RecentConflicts() []ConflictRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConflictRecord, len(m.conflicts))
	copy(out, m.conflicts)
	return out
}

// GetStats returns a point-in-time snapshot.
func (m *Manager) GetStats() MemoryStats {
	m.mu.RLock()
	stateCount := len(m.states)
	agentCount := len(m.registry)
	conflictCount := len(m.conflicts)
	m.mu.RUnlock()

	m.queueMu.Lock()
	pending := len(m.queue)
	m.queueMu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return MemoryStats{
		NodeID:             m.cfg.NodeID,
		StateCount:         stateCount,
		ActiveAgents:       agentCount,
		PendingPersistence: pending,
		CleanupRuns:        m.cleanupRuns.Load(),
		RecentConflicts:    conflictCount,
		HeapBytes:          ms.HeapAlloc,
	}
}

// checkMemoryPressure triggers an inline cleanup pass when heap usage
// exceeds the configured fraction of the heap reserved from the OS.
func (m *Manager) checkMemoryPressure(ctx context.Context) {
	threshold := m.cfg.Cleanup.MemoryThreshold
	if threshold <= 0 {
		return
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return
	}
	frac := float64(ms.HeapAlloc) / float64(ms.HeapSys)
	if frac <= threshold {
		return
	}

	m.logger.Warn("memory pressure detected", "heap_fraction", frac, "threshold", threshold)
	m.bus.Publish(events.TypeMemoryPressure, map[string]any{
		"heap_fraction": frac,
		"threshold":     threshold,
	})
	m.runCleanup(ctx)
}

// Shutdown stops the cleanup loop, flushes the persistence queue, takes
// a final backup, and runs one last validation pass.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stop)
	<-m.done

	var errs []error
	if m.cfg.Persistence.Enabled {
		m.flushAll(ctx)

		// Read-only sessions leave no backup behind.
		if m.dirty.Load() {
			if _, err := m.createBackupLocked(ctx); err != nil {
				errs = append(errs, fmt.Errorf("final backup: %w", err))
			}
		}
	}

	report := m.validateCleanupLocked(ctx)
	if !report.CleanupSuccess {
		m.logger.Warn("shutdown validation found issues",
			"orphans", len(report.OrphanedStates),
			"leaks", len(report.MemoryLeaks),
			"persistence_issues", len(report.PersistenceIssues))
	}

	m.logger.Info("memory manager stopped", "node_id", m.cfg.NodeID)
	return errors.Join(errs...)
}
