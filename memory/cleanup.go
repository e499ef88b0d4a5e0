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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/AleutianAI/converge/events"
)

// CleanupReport is the result of one validation pass. Individual issues
// are collected, never fatal.
type CleanupReport struct {
	OrphanedStates    []string `json:"orphaned_states"`
	MemoryLeaks       []string `json:"memory_leaks"`
	PersistenceIssues []string `json:"persistence_issues"`
	CleanupSuccess    bool     `json:"cleanup_success"`
}

// cleanupLoop runs the periodic cleanup pass until Shutdown.
func (m *Manager) cleanupLoop(interval time.Duration) {
	defer close(m.done)

	if interval <= 0 {
		<-m.stop
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup(context.Background())
		case <-m.stop:
			return
		}
	}
}

// runCleanup deletes orphaned and explicitly queued state, prunes stale
// registry entries, and increments the cleanup counter.
//
// A state is orphaned only when its owning agent is absent from the
// registry AND the state is older than the agent timeout; either
// condition alone keeps it alive.
func (m *Manager) runCleanup(ctx context.Context) {
	now := time.Now().UTC()
	timeout := m.cfg.Cleanup.AgentTimeout.Std()

	m.mu.Lock()
	for agentID, info := range m.registry {
		if now.Sub(info.LastSeen) > timeout {
			delete(m.registry, agentID)
		}
	}

	var removed, expiredFiles []string
	retention := m.cfg.Cleanup.StateRetention.Std()
	for key, state := range m.states {
		_, queued := m.pendingCleanup[key]
		_, registered := m.registry[state.AgentID]
		orphaned := !registered && now.Sub(state.Timestamp) > timeout
		if queued || orphaned {
			delete(m.states, key)
			delete(m.pendingCleanup, key)
			removed = append(removed, key)
			// Keep the persisted file until retention lapses so a
			// late read can still recover it from disk.
			if retention > 0 && now.Sub(state.Timestamp) > retention {
				expiredFiles = append(expiredFiles, key)
			}
		}
	}
	stateCount := len(m.states)
	agentCount := len(m.registry)
	m.mu.Unlock()

	if m.cfg.Persistence.Enabled {
		for _, key := range expiredFiles {
			m.removeStateFile(key)
		}
		m.expireSnapshotFiles(now)
	}

	runs := m.cleanupRuns.Add(1)
	if m.metrics != nil {
		m.metrics.StatesStored.Set(float64(stateCount))
		m.metrics.ActiveAgents.Set(float64(agentCount))
		m.metrics.CleanupRunsTotal.Inc()
		m.metrics.OrphansRemovedTotal.Add(float64(len(removed)))
	}
	if len(removed) > 0 {
		m.logger.Info("cleanup removed state", "removed", len(removed), "run", runs)
	}
	m.bus.Publish(events.TypeCleanupCompleted, map[string]any{
		"removed": len(removed),
		"run":     runs,
	})
}

// expireSnapshotFiles removes backup and agent snapshot files older than
// the persistence TTL. State files are governed by StateRetention instead.
func (m *Manager) expireSnapshotFiles(now time.Time) {
	ttl := m.cfg.Persistence.TTL.Std()
	if ttl <= 0 {
		return
	}

	entries, err := os.ReadDir(m.cfg.Persistence.Directory)
	if err != nil {
		m.logger.Warn("scan persistence directory", "error", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasPrefix(name, "backup-") && !strings.HasPrefix(name, "agent-")) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= ttl {
			continue
		}
		path := filepath.Join(m.cfg.Persistence.Directory, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("remove expired snapshot", "file", name, "error", err)
		}
	}
}

// ValidateCleanup audits the store and persistence directory.
//
// Outputs:
//
//	CleanupReport - Orphaned states, memory-leak indicators, and
//	                unparseable persisted files. CleanupSuccess is true
//	                only when every list is empty.
//	error - Only for store-level failures; per-file problems are
//	        collected in the report.
func (m *Manager) ValidateCleanup(ctx context.Context) (CleanupReport, error) {
	if m.closed.Load() {
		return CleanupReport{}, ErrShutdown
	}
	return m.validateCleanupLocked(ctx), nil
}

func (m *Manager) validateCleanupLocked(ctx context.Context) CleanupReport {
	report := CleanupReport{
		OrphanedStates:    []string{},
		MemoryLeaks:       []string{},
		PersistenceIssues: []string{},
	}
	now := time.Now().UTC()
	timeout := m.cfg.Cleanup.AgentTimeout.Std()

	m.mu.RLock()
	for key, state := range m.states {
		// A registry entry past the agent timeout no longer vouches for
		// its states; runCleanup would prune it before checking.
		if info, registered := m.registry[state.AgentID]; registered && now.Sub(info.LastSeen) <= timeout {
			continue
		}
		if now.Sub(state.Timestamp) > timeout {
			report.OrphanedStates = append(report.OrphanedStates, key)
		}
	}
	m.mu.RUnlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if threshold := m.cfg.Cleanup.MemoryThreshold; threshold > 0 && ms.HeapSys > 0 {
		frac := float64(ms.HeapAlloc) / float64(ms.HeapSys)
		if frac > threshold {
			report.MemoryLeaks = append(report.MemoryLeaks,
				fmt.Sprintf("heap usage %.2f exceeds threshold %.2f", frac, threshold))
		}
	}

	if m.cfg.Persistence.Enabled {
		report.PersistenceIssues = append(report.PersistenceIssues, m.scanStateFiles()...)
	}

	report.CleanupSuccess = len(report.OrphanedStates) == 0 &&
		len(report.MemoryLeaks) == 0 &&
		len(report.PersistenceIssues) == 0
	return report
}

// scanStateFiles parses every persisted state file, collecting failures.
// Backup and agent snapshot files have their own formats and are skipped.
func (m *Manager) scanStateFiles() []string {
	var issues []string

	entries, err := os.ReadDir(m.cfg.Persistence.Directory)
	if err != nil {
		return []string{fmt.Sprintf("read persistence directory: %v", err)}
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.HasPrefix(name, "backup-") || strings.HasPrefix(name, "agent-") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.cfg.Persistence.Directory, name))
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if data, err = maybeGunzip(data); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", name, err))
		}
	}
	return issues
}
