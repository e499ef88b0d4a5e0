// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"encoding/json"
	"fmt"
)

// LWWRegister is a last-writer-wins single-value register.
//
// The value with the highest timestamp wins; equal timestamps are broken
// by comparing replica identifiers so that all replicas agree on the same
// winner without coordination.
type LWWRegister[T any] struct {
	replica   string
	value     T
	timestamp int64 // Unix milliseconds UTC
	setBy     string
}

// NewLWWRegister creates a register owned by the given replica.
//
// Inputs:
//   - replica: Identifier of the local replica. Must not be empty.
//
// Outputs:
//   - *LWWRegister[T]: The zero-valued register.
//   - error: Non-nil if replica is empty.
func NewLWWRegister[T any](replica string) (*LWWRegister[T], error) {
	if replica == "" {
		return nil, ErrReplicaRequired
	}
	return &LWWRegister[T]{replica: replica}, nil
}

// Set writes v with the given wall-clock timestamp (Unix milliseconds).
//
// The write is ignored if an observed write already dominates it.
func (r *LWWRegister[T]) Set(v T, timestamp int64) {
	if r.dominates(timestamp, r.replica) {
		r.value = v
		r.timestamp = timestamp
		r.setBy = r.replica
	}
}

// Get returns the current value.
func (r *LWWRegister[T]) Get() T {
	return r.value
}

// Timestamp returns the timestamp of the winning write (Unix milliseconds).
func (r *LWWRegister[T]) Timestamp() int64 {
	return r.timestamp
}

// dominates reports whether a write at (timestamp, replica) beats the
// currently held write.
func (r *LWWRegister[T]) dominates(timestamp int64, replica string) bool {
	if timestamp != r.timestamp {
		return timestamp > r.timestamp
	}
	return replica > r.setBy
}

// Merge keeps the dominating write of the two registers.
//
// Description:
//
//	Highest timestamp wins; ties are broken by the lexicographically
//	greater writing replica. Merging is commutative, associative, and
//	idempotent. The other register is not modified.
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) error {
	if other == nil {
		return ErrNilMerge
	}
	if r.dominates(other.timestamp, other.setBy) {
		r.value = other.value
		r.timestamp = other.timestamp
		r.setBy = other.setBy
	}
	return nil
}

// lwwJSON is the wire form of LWWRegister.
// Clone returns a copy that keeps the same replica identity.
func (r *LWWRegister[T]) Clone() *LWWRegister[T] {
	out := *r
	return &out
}

type lwwJSON[T any] struct {
	Replica   string `json:"replica"`
	Value     T      `json:"value"`
	Timestamp int64  `json:"timestamp"`
	SetBy     string `json:"set_by,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r *LWWRegister[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(lwwJSON[T]{
		Replica:   r.replica,
		Value:     r.value,
		Timestamp: r.timestamp,
		SetBy:     r.setBy,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *LWWRegister[T]) UnmarshalJSON(data []byte) error {
	var wire lwwJSON[T]
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("unmarshal lww register: %w", err)
	}
	if wire.Replica == "" {
		return ErrReplicaRequired
	}
	r.replica = wire.Replica
	r.value = wire.Value
	r.timestamp = wire.Timestamp
	r.setBy = wire.SetBy
	return nil
}
