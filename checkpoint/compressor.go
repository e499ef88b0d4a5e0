// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/converge/events"
	"github.com/AleutianAI/converge/observability"
	"github.com/klauspost/compress/gzip"
)

var tracer = otel.Tracer("github.com/AleutianAI/converge/checkpoint")

// metadataVersionDefault is pruned from snapshot metadata during
// compression and restored on decompression.
const metadataVersionDefault = "1.0"

// Config controls the compression pipeline.
type Config struct {
	// GzipLevel for the entropy stage (gzip.BestSpeed..gzip.BestCompression).
	GzipLevel int `json:"gzip_level" yaml:"gzip_level" validate:"min=-1,max=9"`

	// EnableDelta turns on delta encoding against the most recent
	// checkpoint for the same (agent, task) pair.
	EnableDelta bool `json:"enable_delta" yaml:"enable_delta"`

	// EnableDeduplication turns on content-addressed sharing of agent
	// and task state entries.
	EnableDeduplication bool `json:"enable_deduplication" yaml:"enable_deduplication"`

	// MinSizeForCompression is the payload size in bytes below which
	// the entropy stage passes data through unchanged.
	MinSizeForCompression int `json:"min_size_for_compression" yaml:"min_size_for_compression" validate:"min=0"`

	// MaxDeltaChain bounds delta chain depth. Once a chain reaches this
	// length the next checkpoint is rebased onto a full snapshot.
	MaxDeltaChain int `json:"max_delta_chain" yaml:"max_delta_chain" validate:"min=1"`
}

// DefaultConfig returns the production compression configuration.
func DefaultConfig() Config {
	return Config{
		GzipLevel:             gzip.DefaultCompression,
		EnableDelta:           true,
		EnableDeduplication:   true,
		MinSizeForCompression: 100,
		MaxDeltaChain:         8,
	}
}

// Compressor applies the four-stage pipeline described in the package doc
// and tracks enough history to reverse it.
//
// Thread Safety: Safe for concurrent use. One mutex guards history and
// chain bookkeeping; the shared store synchronizes independently.
type Compressor struct {
	mu sync.Mutex

	cfg     Config
	logger  *slog.Logger
	bus     *events.Bus
	metrics *observability.Metrics
	shared  SharedStore

	// history holds every compressed checkpoint by ID so delta chains
	// can be resolved.
	history map[string]*CompressedCheckpoint

	// latest maps agent/task pair to the most recent checkpoint ID,
	// the delta predecessor for the next compression.
	latest map[string]string

	// chainLen is the delta chain depth behind each checkpoint ID
	// (0 for full snapshots).
	chainLen map[string]int

	// canonical memoizes the serialized post-dedup snapshot per
	// checkpoint ID so chain walks stop at the first known ancestor.
	canonical map[string][]byte

	originalBytes   int
	compressedBytes int
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compressor) { c.logger = logger }
}

// WithBus sets the event bus for checkpoint.compressed events.
func WithBus(bus *events.Bus) Option {
	return func(c *Compressor) { c.bus = bus }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Compressor) { c.metrics = m }
}

// WithSharedStore overrides the in-process shared store, e.g. with the
// Badger-backed one.
func WithSharedStore(s SharedStore) Option {
	return func(c *Compressor) { c.shared = s }
}

// NewCompressor creates a Compressor with the given configuration.
func NewCompressor(cfg Config, opts ...Option) *Compressor {
	if cfg.GzipLevel == 0 {
		cfg.GzipLevel = gzip.DefaultCompression
	}
	if cfg.MaxDeltaChain <= 0 {
		cfg.MaxDeltaChain = 8
	}
	c := &Compressor{
		cfg:       cfg,
		logger:    slog.Default(),
		shared:    NewMemorySharedStore(),
		history:   make(map[string]*CompressedCheckpoint),
		latest:    make(map[string]string),
		chainLen:  make(map[string]int),
		canonical: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func pairKey(agentID, taskID string) string {
	return agentID + "/" + taskID
}

// Compress runs the pipeline on one checkpoint and records the result so
// later checkpoints for the same agent/task pair can delta against it.
//
// Description:
//
//	Stage 1 prunes structurally empty state. Stage 2 deduplicates agent
//	and task state entries into the shared store. Stage 3 delta-encodes
//	the snapshot against the pair's previous checkpoint when one exists
//	and the chain is under MaxDeltaChain. Stage 4 gzips the validation
//	list and the snapshot payload.
//
// Inputs:
//
//	ctx - Tracing context; compression itself does not block.
//	cp - The checkpoint to compress. Not mutated.
//
// Outputs:
//
//	*CompressedCheckpoint - The storage form, also retained in history.
//	error - ErrNilCheckpoint, or a serialization/store failure.
//
// Thread Safety: Safe for concurrent use.
func (c *Compressor) Compress(ctx context.Context, cp *Checkpoint) (*CompressedCheckpoint, error) {
	if cp == nil {
		return nil, ErrNilCheckpoint
	}

	_, span := tracer.Start(ctx, "checkpoint.Compress")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkpoint.id", cp.ID),
		attribute.String("checkpoint.agent_id", cp.AgentID),
	)

	origBytes, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("serialize checkpoint %s: %w", cp.ID, err)
	}

	snap := pruneSnapshot(cp.Snapshot)

	var refs []SharedStateRef
	if c.cfg.EnableDeduplication && snap != nil {
		refs, err = c.dedupStates(snap)
		if err != nil {
			return nil, fmt.Errorf("deduplicate checkpoint %s: %w", cp.ID, err)
		}
	}

	canonicalBytes, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("serialize snapshot %s: %w", cp.ID, err)
	}

	var validations []byte
	if len(cp.Validations) > 0 {
		raw, err := json.Marshal(cp.Validations)
		if err != nil {
			return nil, fmt.Errorf("serialize validations %s: %w", cp.ID, err)
		}
		validations, err = deflate(raw, c.cfg.GzipLevel, c.cfg.MinSizeForCompression)
		if err != nil {
			return nil, err
		}
	}

	cc := &CompressedCheckpoint{
		ID:          cp.ID,
		Type:        cp.Type,
		AgentID:     cp.AgentID,
		TaskID:      cp.TaskID,
		Timestamp:   cp.Timestamp,
		Required:    cp.Required,
		Description: cp.Description,
		Scope:       cp.Scope,
		Validations: validations,
		Snapshot:    CompressedSnapshot{SharedStateRefs: refs},
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey(cp.AgentID, cp.TaskID)
	predID, hasPred := c.latest[key]
	usedDelta := false

	if c.cfg.EnableDelta && hasPred && c.chainLen[predID] < c.cfg.MaxDeltaChain {
		predBytes, err := c.canonicalLocked(predID)
		if err != nil {
			return nil, fmt.Errorf("resolve predecessor of %s: %w", cp.ID, err)
		}
		diff, err := diffSnapshots(predBytes, canonicalBytes)
		if err != nil {
			return nil, fmt.Errorf("delta encode %s: %w", cp.ID, err)
		}
		delta, err := deflate(diff, c.cfg.GzipLevel, c.cfg.MinSizeForCompression)
		if err != nil {
			return nil, err
		}
		cc.Snapshot.PreviousCheckpointID = predID
		cc.Snapshot.Delta = delta
		c.chainLen[cp.ID] = c.chainLen[predID] + 1
		usedDelta = true
	} else {
		full, err := deflate(canonicalBytes, c.cfg.GzipLevel, c.cfg.MinSizeForCompression)
		if err != nil {
			return nil, err
		}
		cc.Snapshot.Full = full
		c.chainLen[cp.ID] = 0
	}

	compBytes, err := json.Marshal(cc)
	if err != nil {
		return nil, fmt.Errorf("serialize compressed checkpoint %s: %w", cp.ID, err)
	}

	ratio := 0.0
	if len(origBytes) > 0 {
		ratio = float64(len(compBytes)) / float64(len(origBytes))
	}
	cc.CompressionMeta = CompressionMeta{
		OriginalSize:     len(origBytes),
		CompressedSize:   len(compBytes),
		CompressionRatio: ratio,
		GzipLevel:        c.cfg.GzipLevel,
		DeltaCompression: usedDelta,
		Deduplication:    len(refs) > 0,
		CompressedAt:     time.Now().UTC(),
	}

	c.history[cp.ID] = cc
	c.latest[key] = cp.ID
	c.canonical[cp.ID] = canonicalBytes
	c.originalBytes += len(origBytes)
	c.compressedBytes += len(compBytes)

	if c.metrics != nil {
		c.metrics.CompressionRatio.Observe(ratio)
	}
	c.bus.Publish(events.TypeCheckpointCompressed, map[string]any{
		"checkpoint_id": cp.ID,
		"agent_id":      cp.AgentID,
		"ratio":         ratio,
		"delta":         usedDelta,
		"shared_refs":   len(refs),
	})
	c.logger.Debug("checkpoint compressed",
		"checkpoint_id", cp.ID,
		"original_size", len(origBytes),
		"compressed_size", len(compBytes),
		"delta", usedDelta,
		"shared_refs", len(refs))

	return cc, nil
}

// dedupStates moves agent and task state entries into the shared store and
// strips them from the snapshot, returning the tagged references.
func (c *Compressor) dedupStates(snap *StateSnapshot) ([]SharedStateRef, error) {
	var refs []SharedStateRef

	share := func(kind StateKind, states map[string]any) error {
		for key, value := range states {
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("serialize %s state %q: %w", kind, key, err)
			}
			hash := contentHash(raw)
			created, err := c.shared.Put(hash, raw)
			if err != nil {
				return fmt.Errorf("share %s state %q: %w", kind, key, err)
			}
			if !created && c.metrics != nil {
				c.metrics.DedupHitsTotal.Inc()
			}
			refs = append(refs, SharedStateRef{Hash: hash, Kind: kind, Key: key})
		}
		return nil
	}

	if err := share(KindAgent, snap.AgentStates); err != nil {
		return nil, err
	}
	if err := share(KindTask, snap.TaskStates); err != nil {
		return nil, err
	}
	snap.AgentStates = nil
	snap.TaskStates = nil
	return refs, nil
}

// Decompress losslessly reverses Compress.
//
// Description:
//
//	Resolves the delta chain iteratively back to the nearest full (or
//	memoized) snapshot, applies diffs forward, re-expands shared state
//	references by kind, restores pruned metadata defaults, and inflates
//	the validation list.
//
// Outputs:
//
//	*Checkpoint - The reconstructed checkpoint.
//	error - ErrNilCheckpoint, ErrUnknownPredecessor, or
//	        ErrUnknownSharedState.
//
// Thread Safety: Safe for concurrent use.
func (c *Compressor) Decompress(ctx context.Context, cc *CompressedCheckpoint) (*Checkpoint, error) {
	if cc == nil {
		return nil, ErrNilCheckpoint
	}

	_, span := tracer.Start(ctx, "checkpoint.Decompress")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint.id", cc.ID))

	c.mu.Lock()
	canonicalBytes, err := c.canonicalFor(cc)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	snap := &StateSnapshot{}
	if err := json.Unmarshal(canonicalBytes, snap); err != nil {
		return nil, fmt.Errorf("deserialize snapshot %s: %w", cc.ID, err)
	}

	for _, ref := range cc.Snapshot.SharedStateRefs {
		raw, err := c.shared.Get(ref.Hash)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", cc.ID, err)
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("deserialize shared state %s: %w", ref.Hash, err)
		}
		switch ref.Kind {
		case KindTask:
			if snap.TaskStates == nil {
				snap.TaskStates = make(map[string]any)
			}
			snap.TaskStates[ref.Key] = value
		default:
			if snap.AgentStates == nil {
				snap.AgentStates = make(map[string]any)
			}
			snap.AgentStates[ref.Key] = value
		}
	}

	if snap.Metadata == nil {
		snap.Metadata = make(map[string]any)
	}
	if _, ok := snap.Metadata["version"]; !ok {
		snap.Metadata["version"] = metadataVersionDefault
	}

	var validations []Validation
	if len(cc.Validations) > 0 {
		raw, err := inflate(cc.Validations)
		if err != nil {
			return nil, fmt.Errorf("inflate validations %s: %w", cc.ID, err)
		}
		if err := json.Unmarshal(raw, &validations); err != nil {
			return nil, fmt.Errorf("deserialize validations %s: %w", cc.ID, err)
		}
	}

	return &Checkpoint{
		ID:          cc.ID,
		Type:        cc.Type,
		AgentID:     cc.AgentID,
		TaskID:      cc.TaskID,
		Timestamp:   cc.Timestamp,
		Required:    cc.Required,
		Description: cc.Description,
		Scope:       cc.Scope,
		Validations: validations,
		Snapshot:    snap,
	}, nil
}

// canonicalFor resolves the serialized post-dedup snapshot for cc,
// walking its delta chain if needed. Caller holds c.mu.
func (c *Compressor) canonicalFor(cc *CompressedCheckpoint) ([]byte, error) {
	if cached, ok := c.canonical[cc.ID]; ok {
		return cached, nil
	}
	c.history[cc.ID] = cc
	return c.canonicalLocked(cc.ID)
}

// canonicalLocked walks the delta chain from id back to the nearest full
// or memoized snapshot and applies diffs forward. Iterative: deep chains
// must not grow the stack. Caller holds c.mu.
func (c *Compressor) canonicalLocked(id string) ([]byte, error) {
	if cached, ok := c.canonical[id]; ok {
		return cached, nil
	}

	// Walk back collecting the unresolved delta suffix.
	var chain []*CompressedCheckpoint
	var base []byte
	cur, ok := c.history[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPredecessor, id)
	}
	for {
		if cached, okc := c.canonical[cur.ID]; okc {
			base = cached
			break
		}
		if cur.Snapshot.PreviousCheckpointID == "" {
			full, err := inflate(cur.Snapshot.Full)
			if err != nil {
				return nil, fmt.Errorf("inflate snapshot %s: %w", cur.ID, err)
			}
			base = full
			c.canonical[cur.ID] = full
			break
		}
		chain = append(chain, cur)
		pred, okp := c.history[cur.Snapshot.PreviousCheckpointID]
		if !okp {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPredecessor, cur.Snapshot.PreviousCheckpointID)
		}
		cur = pred
	}

	// Apply diffs forward, memoizing each intermediate.
	for i := len(chain) - 1; i >= 0; i-- {
		diff, err := inflate(chain[i].Snapshot.Delta)
		if err != nil {
			return nil, fmt.Errorf("inflate delta %s: %w", chain[i].ID, err)
		}
		next, err := applyDiff(base, diff)
		if err != nil {
			return nil, fmt.Errorf("apply delta %s: %w", chain[i].ID, err)
		}
		base = next
		c.canonical[chain[i].ID] = next
	}
	return base, nil
}

// Stats returns aggregate compression results.
func (c *Compressor) Stats() (Stats, error) {
	c.mu.Lock()
	checkpoints := len(c.history)
	orig := c.originalBytes
	comp := c.compressedBytes
	c.mu.Unlock()

	shared, err := c.shared.Len()
	if err != nil {
		return Stats{}, fmt.Errorf("shared store size: %w", err)
	}

	ratio := 0.0
	if orig > 0 {
		ratio = float64(comp) / float64(orig)
	}
	return Stats{
		Checkpoints:      checkpoints,
		OriginalBytes:    orig,
		CompressedBytes:  comp,
		CompressionRatio: ratio,
		SharedEntries:    shared,
	}, nil
}

// DecrementRefs releases one checkpoint's holds on shared state, making
// unshared entries reclaimable by the next GCSharedState pass. Call when
// a compressed checkpoint is evicted from storage.
func (c *Compressor) DecrementRefs(cc *CompressedCheckpoint) error {
	if cc == nil {
		return ErrNilCheckpoint
	}
	for _, ref := range cc.Snapshot.SharedStateRefs {
		if err := c.shared.Decrement(ref.Hash); err != nil {
			return fmt.Errorf("checkpoint %s: %w", cc.ID, err)
		}
	}
	return nil
}

// GCSharedState removes shared entries whose refcount reached zero.
func (c *Compressor) GCSharedState() (int, error) {
	removed, err := c.shared.GC()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.logger.Info("shared state collected", "removed", removed)
	}
	return removed, nil
}

// pruneSnapshot returns a structurally optimized copy: nil map entries
// and empty sub-maps are dropped, and metadata entries equal to their
// documented defaults are removed. Returns an empty snapshot for nil
// input so the rest of the pipeline never branches on it.
func pruneSnapshot(snap *StateSnapshot) *StateSnapshot {
	if snap == nil {
		return &StateSnapshot{}
	}

	out := &StateSnapshot{
		AgentStates:     pruneStateMap(snap.AgentStates),
		TaskStates:      pruneStateMap(snap.TaskStates),
		SystemState:     pruneStateMap(snap.SystemState),
		MemoryState:     pruneStateMap(snap.MemoryState),
		FileSystemState: pruneStateMap(snap.FileSystemState),
		DatabaseState:   pruneStateMap(snap.DatabaseState),
		Checksum:        snap.Checksum,
		Metadata:        pruneStateMap(snap.Metadata),
	}
	if v, ok := out.Metadata["version"]; ok && v == metadataVersionDefault {
		delete(out.Metadata, "version")
		if len(out.Metadata) == 0 {
			out.Metadata = nil
		}
	}
	return out
}

func pruneStateMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		if sub, ok := v.(map[string]any); ok && len(sub) == 0 {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// diffSnapshots produces a field-level diff between two serialized
// snapshots: changed and added top-level fields carry their new value,
// removed fields carry JSON null.
func diffSnapshots(prev, next []byte) ([]byte, error) {
	var prevFields, nextFields map[string]json.RawMessage
	if err := json.Unmarshal(prev, &prevFields); err != nil {
		return nil, fmt.Errorf("deserialize predecessor: %w", err)
	}
	if err := json.Unmarshal(next, &nextFields); err != nil {
		return nil, fmt.Errorf("deserialize successor: %w", err)
	}

	diff := make(map[string]json.RawMessage)
	for field, value := range nextFields {
		if old, ok := prevFields[field]; !ok || !bytes.Equal(old, value) {
			diff[field] = value
		}
	}
	for field := range prevFields {
		if _, ok := nextFields[field]; !ok {
			diff[field] = json.RawMessage("null")
		}
	}
	return json.Marshal(diff)
}

// applyDiff reverses diffSnapshots against a serialized base snapshot.
func applyDiff(base, diff []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, fmt.Errorf("deserialize base: %w", err)
	}
	var changes map[string]json.RawMessage
	if err := json.Unmarshal(diff, &changes); err != nil {
		return nil, fmt.Errorf("deserialize diff: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	for field, value := range changes {
		if bytes.Equal(value, []byte("null")) {
			delete(fields, field)
			continue
		}
		fields[field] = value
	}
	return json.Marshal(fields)
}
