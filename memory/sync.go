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
	"sort"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/converge/events"
)

// ErrNoSyncer is returned by SynchronizeStates when no transport was
// injected.
var ErrNoSyncer = errors.New("no node syncer configured")

// SynchronizeStates pushes the full state map to every non-self target
// node in batches.
//
// Description:
//
//	Partitions a point-in-time snapshot of the store into batches of
//	Synchronization.BatchSize and pushes each batch to each target
//	through the injected NodeSyncer. Nodes are synchronized
//	concurrently; batches to one node go in order. Failed batches are
//	retried with exponential backoff up to Synchronization.MaxRetries
//	times before the node's sync is reported failed.
//
// Inputs:
//
//	ctx - Cancels in-flight pushes and pending retries.
//	nodeIDs - Target nodes. The self node id is skipped.
//	states - Optional subset to push instead of the full store. Entries
//	         are cloned before leaving the call; nil entries are skipped.
//
// Outputs:
//
//	error - Joined per-node failures; nil when every node converged.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) SynchronizeStates(ctx context.Context, nodeIDs []string, states ...*State) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	if m.syncer == nil {
		return ErrNoSyncer
	}

	var batches [][]*State
	if len(states) > 0 {
		batches = m.batchStates(states)
	} else {
		batches = m.snapshotBatches()
	}
	if len(batches) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, nodeID := range nodeIDs {
		if nodeID == m.cfg.NodeID || nodeID == "" {
			continue
		}
		g.Go(func() error {
			return m.syncNode(ctx, nodeID, batches)
		})
	}
	return g.Wait()
}

// snapshotBatches copies the store under the read lock and partitions it
// into batches in deterministic key order.
func (m *Manager) snapshotBatches() [][]*State {
	m.mu.RLock()
	keys := make([]string, 0, len(m.states))
	for key := range m.states {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	snapshot := make([]*State, 0, len(keys))
	for _, key := range keys {
		snapshot = append(snapshot, m.states[key].Clone())
	}
	m.mu.RUnlock()

	return m.partition(snapshot)
}

// batchStates clones and partitions a caller-supplied subset in
// deterministic key order.
func (m *Manager) batchStates(states []*State) [][]*State {
	subset := make([]*State, 0, len(states))
	for _, state := range states {
		if state == nil {
			continue
		}
		subset = append(subset, state.Clone())
	}
	sort.Slice(subset, func(i, j int) bool {
		return subset[i].Key() < subset[j].Key()
	})
	return m.partition(subset)
}

func (m *Manager) partition(snapshot []*State) [][]*State {
	batchSize := m.cfg.Synchronization.BatchSize
	if batchSize <= 0 {
		batchSize = len(snapshot)
	}

	var batches [][]*State
	for start := 0; start < len(snapshot); start += batchSize {
		end := start + batchSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		batches = append(batches, snapshot[start:end])
	}
	return batches
}

// syncNode pushes every batch to one node, retrying each batch with
// exponential backoff.
func (m *Manager) syncNode(ctx context.Context, nodeID string, batches [][]*State) error {
	for i, batch := range batches {
		push := func() (struct{}, error) {
			return struct{}{}, m.syncer.PushBatch(ctx, nodeID, batch)
		}

		bo := backoff.NewExponentialBackOff()
		if m.cfg.Synchronization.BackoffMultiplier > 1 {
			bo.Multiplier = m.cfg.Synchronization.BackoffMultiplier
		}

		_, err := backoff.Retry(ctx, push,
			backoff.WithBackOff(bo),
			backoff.WithMaxTries(uint(m.cfg.Synchronization.MaxRetries+1)))
		if err != nil {
			if m.metrics != nil {
				m.metrics.SyncBatchesTotal.WithLabelValues("failure").Inc()
			}
			m.bus.Publish(events.TypeSyncBatchFailed, map[string]any{
				"node_id": nodeID,
				"batch":   i,
				"error":   err.Error(),
			})
			m.logger.Error("sync batch failed", "node_id", nodeID, "batch", i, "error", err)
			return fmt.Errorf("sync node %s batch %d: %w", nodeID, i, err)
		}
		if m.metrics != nil {
			m.metrics.SyncBatchesTotal.WithLabelValues("success").Inc()
		}
	}

	m.logger.Debug("node synchronized", "node_id", nodeID, "batches", len(batches))
	return nil
}
