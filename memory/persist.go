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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/AleutianAI/converge/events"
)

// statePath maps a store key to its persisted file.
func (m *Manager) statePath(key string) string {
	return filepath.Join(m.cfg.Persistence.Directory, sanitizeKey(key)+".json")
}

// sanitizeKey keeps keys filesystem-safe without losing uniqueness for
// the agentID:nodeID shape.
func sanitizeKey(key string) string {
	return strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(key)
}

// keyLock returns the per-key file mutex.
func (m *Manager) keyLock(key string) *sync.Mutex {
	lock, _ := m.fileLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// writeFileAtomic writes data via a temp file, fsync, and rename so a
// crash never leaves a partially written state file.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	cleanup = false
	return nil
}

// persistState writes one state to its file under the per-key lock.
func (m *Manager) persistState(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("serialize state %s: %w", state.Key(), err)
	}
	if m.cfg.Persistence.CompressionEnabled {
		if data, err = gzipBytes(data); err != nil {
			return fmt.Errorf("compress state %s: %w", state.Key(), err)
		}
	}

	lock := m.keyLock(state.Key())
	lock.Lock()
	defer lock.Unlock()
	return writeFileAtomic(m.statePath(state.Key()), data)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maybeGunzip inflates gzip payloads and passes plain JSON through, so
// files stay readable across compression_enabled changes.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// loadState reads one state file. (nil, nil) when the file is absent.
func (m *Manager) loadState(key string) (*State, error) {
	lock := m.keyLock(key)
	lock.Lock()
	data, err := os.ReadFile(m.statePath(key))
	lock.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if data, err = maybeGunzip(data); err != nil {
		return nil, fmt.Errorf("decompress state file %s: %w", key, err)
	}

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", key, err)
	}
	return state, nil
}

// enqueue adds key to the persistence queue, once.
func (m *Manager) enqueue(key string) {
	m.queueMu.Lock()
	if _, ok := m.queued[key]; !ok {
		m.queued[key] = struct{}{}
		m.queue = append(m.queue, key)
	}
	depth := len(m.queue)
	m.queueMu.Unlock()

	if m.metrics != nil {
		m.metrics.PersistenceQueueDepth.Set(float64(depth))
	}
}

// flushBatch persists up to Synchronization.BatchSize queued entries.
// Failed writes stay queued and are retried on the next flush; they are
// never silently dropped.
func (m *Manager) flushBatch(ctx context.Context) {
	m.flush(ctx, m.cfg.Synchronization.BatchSize)
}

// flushAll drains the queue, used by Shutdown.
func (m *Manager) flushAll(ctx context.Context) {
	m.flush(ctx, 0)
}

func (m *Manager) flush(ctx context.Context, limit int) {
	m.queueMu.Lock()
	n := len(m.queue)
	if limit > 0 && n > limit {
		n = limit
	}
	batch := make([]string, n)
	copy(batch, m.queue[:n])
	m.queue = m.queue[n:]
	for _, key := range batch {
		delete(m.queued, key)
	}
	m.queueMu.Unlock()

	for _, key := range batch {
		if ctx != nil && ctx.Err() != nil {
			// Requeue the remainder; shutdown drains with a fresh
			// context.
			m.enqueue(key)
			continue
		}

		m.mu.RLock()
		state, ok := m.states[key]
		var snapshot *State
		if ok {
			snapshot = state.Clone()
		}
		m.mu.RUnlock()
		if snapshot == nil {
			continue // deleted since enqueue
		}

		if err := m.persistState(snapshot); err != nil {
			m.logger.Error("persistence failed, entry requeued", "key", key, "error", err)
			if m.metrics != nil {
				m.metrics.PersistenceFailuresTotal.Inc()
			}
			m.bus.Publish(events.TypePersistenceFailed, map[string]any{
				"key":   key,
				"error": err.Error(),
			})
			m.enqueue(key)
		}
	}

	if m.metrics != nil {
		m.queueMu.Lock()
		depth := len(m.queue)
		m.queueMu.Unlock()
		m.metrics.PersistenceQueueDepth.Set(float64(depth))
	}
}

// LoadAll hydrates the store from every persisted state file, merging
// into entries already in memory and rebuilding registry entries from the
// loaded states' own timestamps. Sessions that begin over an existing
// state directory (the CLI) call this before reading stats or backing up.
//
// Outputs:
//
//	int - Number of state files hydrated. Unreadable files are logged
//	      and skipped, consistent with GetState.
//	error - Directory-level failures only.
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	if m.closed.Load() {
		return 0, ErrShutdown
	}
	if !m.cfg.Persistence.Enabled {
		return 0, nil
	}

	entries, err := os.ReadDir(m.cfg.Persistence.Directory)
	if err != nil {
		return 0, fmt.Errorf("read persistence directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.HasPrefix(name, "backup-") || strings.HasPrefix(name, "agent-") {
			continue
		}
		if ctx != nil && ctx.Err() != nil {
			return loaded, ctx.Err()
		}

		state, err := m.loadState(strings.TrimSuffix(name, ".json"))
		if err != nil {
			m.logger.Warn("state file unreadable", "file", name, "error", err)
			continue
		}
		if state == nil {
			continue
		}

		key := state.Key()
		m.mu.Lock()
		if existing, ok := m.states[key]; ok {
			if err := existing.Merge(state); err != nil {
				m.mu.Unlock()
				return loaded, fmt.Errorf("merge loaded state %s: %w", key, err)
			}
		} else {
			m.states[key] = state
		}
		if info, ok := m.registry[state.AgentID]; !ok || state.Timestamp.After(info.LastSeen) {
			m.registry[state.AgentID] = AgentInfo{NodeID: state.NodeID, LastSeen: state.Timestamp}
		}
		m.mu.Unlock()
		loaded++
	}

	if m.metrics != nil {
		m.mu.RLock()
		stateCount := len(m.states)
		agentCount := len(m.registry)
		m.mu.RUnlock()
		m.metrics.StatesStored.Set(float64(stateCount))
		m.metrics.ActiveAgents.Set(float64(agentCount))
	}
	return loaded, nil
}

// removeStateFile deletes the persisted file for key during cleanup.
func (m *Manager) removeStateFile(key string) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	if err := os.Remove(m.statePath(key)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("remove state file", "key", key, "error", err)
	}
}
