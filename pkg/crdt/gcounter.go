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
	"maps"
)

// GCounter is a grow-only distributed counter.
//
// Each replica increments only its own slot; the observed value is the sum
// over all slots. Merge takes the per-replica maximum, which makes it safe
// to apply the same remote state any number of times in any order.
type GCounter struct {
	replica string
	counts  map[string]float64
}

// NewGCounter creates a counter owned by the given replica.
//
// Inputs:
//   - replica: Identifier of the local replica. Must not be empty.
//
// Outputs:
//   - *GCounter: The new counter.
//   - error: Non-nil if replica is empty.
func NewGCounter(replica string) (*GCounter, error) {
	if replica == "" {
		return nil, ErrReplicaRequired
	}
	return &GCounter{
		replica: replica,
		counts:  make(map[string]float64),
	}, nil
}

// Increment adds n to the local replica's slot.
//
// Negative increments are rejected: a GCounter only grows.
func (c *GCounter) Increment(n float64) error {
	if n < 0 {
		return fmt.Errorf("gcounter increment must be non-negative, got %v", n)
	}
	c.counts[c.replica] += n
	return nil
}

// Value returns the sum over all replica slots.
func (c *GCounter) Value() float64 {
	var total float64
	for _, v := range c.counts {
		total += v
	}
	return total
}

// Replica returns the local replica identifier.
func (c *GCounter) Replica() string {
	return c.replica
}

// Merge folds another counter's state into this one.
//
// Description:
//
//	Takes the per-replica maximum of both slot maps. Merging is
//	commutative, associative, and idempotent. The other counter is
//	not modified.
func (c *GCounter) Merge(other *GCounter) error {
	if other == nil {
		return ErrNilMerge
	}
	for replica, count := range other.counts {
		if count > c.counts[replica] {
			c.counts[replica] = count
		}
	}
	return nil
}

// Clone returns a deep copy that keeps the same replica identity.
func (c *GCounter) Clone() *GCounter {
	out := &GCounter{
		replica: c.replica,
		counts:  make(map[string]float64, len(c.counts)),
	}
	for replica, n := range c.counts {
		out.counts[replica] = n
	}
	return out
}

// Counts returns a copy of the per-replica slot map.
func (c *GCounter) Counts() map[string]float64 {
	return maps.Clone(c.counts)
}

// gcounterJSON is the wire form of GCounter.
type gcounterJSON struct {
	Replica string             `json:"replica"`
	Counts  map[string]float64 `json:"counts"`
}

// MarshalJSON implements json.Marshaler.
func (c *GCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(gcounterJSON{Replica: c.replica, Counts: c.counts})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *GCounter) UnmarshalJSON(data []byte) error {
	var wire gcounterJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("unmarshal gcounter: %w", err)
	}
	if wire.Replica == "" {
		return ErrReplicaRequired
	}
	c.replica = wire.Replica
	c.counts = wire.Counts
	if c.counts == nil {
		c.counts = make(map[string]float64)
	}
	return nil
}
