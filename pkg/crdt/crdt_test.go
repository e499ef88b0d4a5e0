// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// GCounter Tests
// =============================================================================

func TestGCounter_IncrementAndValue(t *testing.T) {
	c, err := NewGCounter("node-a")
	require.NoError(t, err)

	require.NoError(t, c.Increment(3))
	require.NoError(t, c.Increment(2))
	assert.Equal(t, 5.0, c.Value())
}

func TestGCounter_RejectsNegativeIncrement(t *testing.T) {
	c, err := NewGCounter("node-a")
	require.NoError(t, err)
	assert.Error(t, c.Increment(-1))
}

func TestGCounter_RequiresReplica(t *testing.T) {
	_, err := NewGCounter("")
	assert.ErrorIs(t, err, ErrReplicaRequired)
}

func TestGCounter_MergeConverges(t *testing.T) {
	a, _ := NewGCounter("node-a")
	b, _ := NewGCounter("node-b")

	require.NoError(t, a.Increment(10))
	require.NoError(t, b.Increment(4))

	// Merge in both directions; both replicas must observe the same value.
	require.NoError(t, a.Merge(b))
	require.NoError(t, b.Merge(a))
	assert.Equal(t, 14.0, a.Value())
	assert.Equal(t, 14.0, b.Value())

	// Idempotence: re-applying the same remote state changes nothing.
	require.NoError(t, a.Merge(b))
	assert.Equal(t, 14.0, a.Value())
}

func TestGCounter_MergeNil(t *testing.T) {
	a, _ := NewGCounter("node-a")
	assert.ErrorIs(t, a.Merge(nil), ErrNilMerge)
}

func TestGCounter_JSONRoundTrip(t *testing.T) {
	a, _ := NewGCounter("node-a")
	require.NoError(t, a.Increment(7))

	data, err := json.Marshal(a)
	require.NoError(t, err)

	var restored GCounter
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, 7.0, restored.Value())
	assert.Equal(t, "node-a", restored.Replica())
}

// =============================================================================
// ORSet Tests
// =============================================================================

func TestORSet_AddRemove(t *testing.T) {
	s := NewORSet[string]()
	s.Add("x")
	s.Add("y")
	assert.True(t, s.Contains("x"))
	assert.Equal(t, 2, s.Len())

	s.Remove("x")
	assert.False(t, s.Contains("x"))
	assert.ElementsMatch(t, []string{"y"}, s.Values())
}

func TestORSet_RemoveUnseenIsNoop(t *testing.T) {
	s := NewORSet[string]()
	s.Remove("ghost")
	assert.Equal(t, 0, s.Len())
}

func TestORSet_AddWinsOverConcurrentRemove(t *testing.T) {
	// Replica A adds and both replicas sync.
	a := NewORSet[string]()
	a.Add("v")
	b := NewORSet[string]()
	require.NoError(t, b.Merge(a))

	// B removes its observed tags while A concurrently re-adds.
	b.Remove("v")
	a.Add("v")

	// After convergence the concurrent add survives on both.
	require.NoError(t, a.Merge(b))
	require.NoError(t, b.Merge(a))
	assert.True(t, a.Contains("v"))
	assert.True(t, b.Contains("v"))
}

func TestORSet_RemoveDoesNotResurrect(t *testing.T) {
	a := NewORSet[string]()
	a.Add("v")
	b := NewORSet[string]()
	require.NoError(t, b.Merge(a))
	b.Remove("v")

	// The tombstoned element stays gone even after repeated merges of
	// the original add state.
	require.NoError(t, b.Merge(a))
	assert.False(t, b.Contains("v"))
}

func TestORSet_MergeOrderIndependent(t *testing.T) {
	a := NewORSet[int]()
	a.Add(1)
	b := NewORSet[int]()
	b.Add(2)
	c := NewORSet[int]()
	c.Add(3)

	left := NewORSet[int]()
	require.NoError(t, left.Merge(a))
	require.NoError(t, left.Merge(b))
	require.NoError(t, left.Merge(c))

	right := NewORSet[int]()
	require.NoError(t, right.Merge(c))
	require.NoError(t, right.Merge(a))
	require.NoError(t, right.Merge(b))

	assert.ElementsMatch(t, left.Values(), right.Values())
}

func TestORSet_JSONRoundTrip(t *testing.T) {
	s := NewORSet[string]()
	s.Add("keep")
	s.Add("drop")
	s.Remove("drop")

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var restored ORSet[string]
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.ElementsMatch(t, []string{"keep"}, restored.Values())
}

// =============================================================================
// LWWRegister Tests
// =============================================================================

func TestLWWRegister_LastWriteWins(t *testing.T) {
	r, err := NewLWWRegister[string]("node-a")
	require.NoError(t, err)

	r.Set("old", 100)
	r.Set("new", 200)
	assert.Equal(t, "new", r.Get())

	// A stale write must not regress the value.
	r.Set("stale", 150)
	assert.Equal(t, "new", r.Get())
	assert.Equal(t, int64(200), r.Timestamp())
}

func TestLWWRegister_TieBrokenByReplica(t *testing.T) {
	a, _ := NewLWWRegister[string]("node-a")
	b, _ := NewLWWRegister[string]("node-b")

	a.Set("from-a", 100)
	b.Set("from-b", 100)

	// node-b sorts after node-a, so its write wins the tie on both sides.
	require.NoError(t, a.Merge(b))
	require.NoError(t, b.Merge(a))
	assert.Equal(t, "from-b", a.Get())
	assert.Equal(t, "from-b", b.Get())
}

func TestLWWRegister_MergeIdempotent(t *testing.T) {
	a, _ := NewLWWRegister[float64]("node-a")
	b, _ := NewLWWRegister[float64]("node-b")
	b.Set(3.14, 500)

	require.NoError(t, a.Merge(b))
	require.NoError(t, a.Merge(b))
	assert.Equal(t, 3.14, a.Get())
	assert.Equal(t, int64(500), a.Timestamp())
}

func TestLWWRegister_JSONRoundTrip(t *testing.T) {
	r, _ := NewLWWRegister[string]("node-a")
	r.Set("v1", 42)

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var restored LWWRegister[string]
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, "v1", restored.Get())
	assert.Equal(t, int64(42), restored.Timestamp())
}
