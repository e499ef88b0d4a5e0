// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the side-channel notification bus for the
// reconciliation core.
//
// Operation results are always returned directly from the API that produced
// them; the bus only carries notifications that observers may subscribe to
// (degraded resolutions, persistence failures, cleanup passes, backups).
// Losing an event never loses data.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a category of event.
type Type string

const (
	// TypeResolutionCompleted fires after a conflict set resolves cleanly.
	TypeResolutionCompleted Type = "resolution.completed"

	// TypeResolutionDegraded fires when a strategy failed and the resolver
	// fell back to the chronologically last input result.
	TypeResolutionDegraded Type = "resolution.degraded"

	// TypePersistenceFailed fires when a queued state write fails.
	// The entry stays queued for the next flush.
	TypePersistenceFailed Type = "persistence.failed"

	// TypeAgentTerminated fires after an agent's state has been persisted
	// and the agent removed from the registry.
	TypeAgentTerminated Type = "agent.terminated"

	// TypeAgentUnknown fires when termination is requested for an agent
	// that is not registered. Informational, not an error.
	TypeAgentUnknown Type = "agent.unknown"

	// TypeCleanupCompleted fires after each background cleanup pass.
	TypeCleanupCompleted Type = "cleanup.completed"

	// TypeMemoryPressure fires when heap usage crosses the configured
	// threshold and an inline cleanup is triggered.
	TypeMemoryPressure Type = "memory.pressure"

	// TypeBackupCreated fires after a full-store backup is written.
	TypeBackupCreated Type = "backup.created"

	// TypeRestoreCompleted fires after a successful restore.
	TypeRestoreCompleted Type = "restore.completed"

	// TypeCheckpointCompressed fires after a checkpoint compression.
	TypeCheckpointCompressed Type = "checkpoint.compressed"

	// TypeSyncBatchFailed fires when a sync batch exhausts its retries.
	TypeSyncBatchFailed Type = "sync.batch_failed"
)

// Event is one notification on the bus.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Data      map[string]any
}

// Handler receives published events.
//
// Handlers run on the publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a synchronous fan-out event bus.
//
// Thread Safety: Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers an event to all matching handlers.
//
// A nil bus is a valid no-op publisher, so components can hold an
// optional *Bus without nil checks at every call site.
func (b *Bus) Publish(t Type, data map[string]any) {
	if b == nil {
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	typed := b.handlers[t]
	all := b.all
	b.mu.RUnlock()

	for _, h := range typed {
		h(event)
	}
	for _, h := range all {
		h(event)
	}
}

// LoggingHandler returns a handler that logs each event.
func LoggingHandler(logger *slog.Logger) Handler {
	return func(event Event) {
		attrs := []any{
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
		}
		for k, v := range event.Data {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.Info("event", attrs...)
	}
}

// Collector records events for inspection in tests.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Handler returns the recording handler for this collector.
func (c *Collector) Handler() Handler {
	return func(event Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, event)
	}
}

// Events returns a copy of all recorded events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByType returns recorded events of one type.
func (c *Collector) ByType(t Type) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
