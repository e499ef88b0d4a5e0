// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint compresses point-in-time checkpoint snapshots for
// storage and reverses the transform losslessly.
//
// Compression runs four stages:
//
//  1. Structural optimization: nil fields, empty sub-maps, and metadata
//     entries equal to documented defaults are dropped.
//  2. Delta encoding: the checkpoint is diffed field-by-field against the
//     most recent checkpoint for the same (agent, task) pair; only changed
//     fields are stored, with a backward reference to the predecessor.
//  3. Deduplication: agent and task state entries are content-hashed into a
//     reference-counted shared store; the raw maps are replaced by tagged
//     hash references.
//  4. Entropy compression: validation and delta payloads are gzipped above
//     a minimum-size threshold.
//
// Delta chains are resolved iteratively on decompression, never by
// recursion, and are bounded: once a chain reaches the configured depth,
// the next checkpoint is rebased onto a full snapshot.
package checkpoint

import (
	"errors"
	"time"
)

var (
	// ErrNilCheckpoint is returned when compressing or decompressing nil.
	ErrNilCheckpoint = errors.New("checkpoint must not be nil")

	// ErrUnknownPredecessor is returned when a delta references a
	// checkpoint this compressor has never seen.
	ErrUnknownPredecessor = errors.New("unknown predecessor checkpoint")

	// ErrUnknownSharedState is returned when a shared-state reference
	// cannot be resolved in the store.
	ErrUnknownSharedState = errors.New("unknown shared state hash")

	// ErrRefUnderflow is returned when decrementing a refcount below zero.
	ErrRefUnderflow = errors.New("shared state refcount underflow")
)

// Type is the lifecycle phase a checkpoint captures.
type Type string

const (
	TypePre    Type = "pre"
	TypeDuring Type = "during"
	TypePost   Type = "post"
)

// Validation is one verification step recorded in a checkpoint.
type Validation struct {
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	Command         string  `json:"command,omitempty"`
	ExpectedResult  string  `json:"expected_result,omitempty"`
	Passed          bool    `json:"passed"`
	Weight          float64 `json:"weight,omitempty"`
	ExecutionTimeMS int64   `json:"execution_time_ms,omitempty"`
}

// StateSnapshot is the full point-in-time state carried by a checkpoint.
type StateSnapshot struct {
	AgentStates     map[string]any `json:"agent_states,omitempty"`
	TaskStates      map[string]any `json:"task_states,omitempty"`
	SystemState     map[string]any `json:"system_state,omitempty"`
	MemoryState     map[string]any `json:"memory_state,omitempty"`
	FileSystemState map[string]any `json:"file_system_state,omitempty"`
	DatabaseState   map[string]any `json:"database_state,omitempty"`
	Checksum        string         `json:"checksum,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Checkpoint is one point-in-time capture handed to the compressor by the
// external checkpoint lifecycle. Immutable once produced.
type Checkpoint struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	AgentID     string         `json:"agent_id"`
	TaskID      string         `json:"task_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Required    bool           `json:"required"`
	Description string         `json:"description,omitempty"`
	Scope       string         `json:"scope,omitempty"`
	Validations []Validation   `json:"validations,omitempty"`
	Snapshot    *StateSnapshot `json:"state_snapshot,omitempty"`
}

// StateKind tags a deduplicated state entry with its origin map, so
// decompression never has to infer the kind from the value's shape.
type StateKind string

const (
	KindAgent StateKind = "agent"
	KindTask  StateKind = "task"
)

// SharedStateRef is one content-addressed reference into the shared store.
type SharedStateRef struct {
	// Hash is the truncated content hash of the serialized entry.
	Hash string `json:"hash"`

	// Kind records which snapshot map the entry came from.
	Kind StateKind `json:"kind"`

	// Key is the entry's key within that map.
	Key string `json:"key"`
}

// CompressedSnapshot replaces StateSnapshot in a compressed checkpoint.
type CompressedSnapshot struct {
	// PreviousCheckpointID is the delta predecessor, or "" for a full
	// snapshot.
	PreviousCheckpointID string `json:"previous_checkpoint_id,omitempty"`

	// Delta is the (possibly gzipped) field diff against the
	// predecessor, or nil for a full snapshot.
	Delta []byte `json:"delta,omitempty"`

	// Full is the (possibly gzipped) serialized snapshot, stored only
	// when Delta is nil. Agent and task states are stripped when they
	// were deduplicated into SharedStateRefs.
	Full []byte `json:"full,omitempty"`

	// SharedStateRefs lists the deduplicated agent/task state entries.
	SharedStateRefs []SharedStateRef `json:"shared_state_refs,omitempty"`
}

// CompressionMeta records what the compressor did to one checkpoint.
type CompressionMeta struct {
	OriginalSize     int       `json:"original_size"`
	CompressedSize   int       `json:"compressed_size"`
	CompressionRatio float64   `json:"compression_ratio"`
	GzipLevel        int       `json:"gzip_level"`
	DeltaCompression bool      `json:"delta_compression"`
	Deduplication    bool      `json:"deduplication"`
	CompressedAt     time.Time `json:"compressed_at"`
}

// CompressedCheckpoint is the storage form of a Checkpoint.
type CompressedCheckpoint struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	AgentID     string    `json:"agent_id"`
	TaskID      string    `json:"task_id"`
	Timestamp   time.Time `json:"timestamp"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
	Scope       string    `json:"scope,omitempty"`

	// Validations is the (possibly gzipped) serialized validation list.
	Validations []byte `json:"validations,omitempty"`

	Snapshot        CompressedSnapshot `json:"snapshot"`
	CompressionMeta CompressionMeta    `json:"compression_meta"`
}

// Stats aggregates compression results across all held checkpoints.
type Stats struct {
	Checkpoints      int     `json:"checkpoints"`
	OriginalBytes    int     `json:"original_bytes"`
	CompressedBytes  int     `json:"compressed_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
	SharedEntries    int     `json:"shared_entries"`
}
