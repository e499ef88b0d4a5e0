// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crdt provides conflict-free replicated data types used by the
// reconciliation core.
//
// Three primitives are implemented:
//
//   - GCounter: grow-only counter, one slot per replica, value = sum of maxima
//   - ORSet: observed-remove set with add tags as tombstone witnesses
//   - LWWRegister: last-writer-wins register, ties broken by replica ID
//
// All merge operations are commutative, associative, and idempotent: two
// replicas holding divergent histories of the same value converge to an
// identical state after exchanging merges, regardless of message order or
// duplication.
//
// # Thread Safety
//
// The primitives are NOT internally synchronized. The reconciliation core
// follows a single-writer-per-key model; callers that share a value across
// goroutines must serialize access externally (see memory.Manager).
package crdt

import "errors"

var (
	// ErrReplicaRequired is returned when a primitive is created without
	// a replica identifier.
	ErrReplicaRequired = errors.New("replica id must not be empty")

	// ErrNilMerge is returned when merging with a nil value.
	ErrNilMerge = errors.New("merge target must not be nil")
)
