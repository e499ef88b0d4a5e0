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
	"sort"

	"github.com/google/uuid"
)

// ORSet is an observed-remove set.
//
// Every Add attaches a unique tag to the element; Remove tombstones only the
// tags it has observed. An element is present when it has at least one add
// tag without a matching tombstone, so a remove can never cancel an add it
// did not see. This gives add-wins semantics under concurrent add/remove.
type ORSet[T comparable] struct {
	adds    map[T]map[string]struct{}
	removes map[T]map[string]struct{}
}

// NewORSet creates an empty observed-remove set.
func NewORSet[T comparable]() *ORSet[T] {
	return &ORSet[T]{
		adds:    make(map[T]map[string]struct{}),
		removes: make(map[T]map[string]struct{}),
	}
}

// Add inserts v with a fresh unique tag.
func (s *ORSet[T]) Add(v T) {
	if s.adds[v] == nil {
		s.adds[v] = make(map[string]struct{})
	}
	s.adds[v][uuid.NewString()] = struct{}{}
}

// Remove tombstones every currently observed add tag for v.
//
// Adds that arrive later (or concurrently on another replica) survive.
func (s *ORSet[T]) Remove(v T) {
	tags, ok := s.adds[v]
	if !ok {
		return
	}
	if s.removes[v] == nil {
		s.removes[v] = make(map[string]struct{})
	}
	for tag := range tags {
		s.removes[v][tag] = struct{}{}
	}
}

// Contains reports whether v has a live (non-tombstoned) add tag.
func (s *ORSet[T]) Contains(v T) bool {
	for tag := range s.adds[v] {
		if _, removed := s.removes[v][tag]; !removed {
			return true
		}
	}
	return false
}

// Values returns the live elements. Order is unspecified.
func (s *ORSet[T]) Values() []T {
	values := make([]T, 0, len(s.adds))
	for v := range s.adds {
		if s.Contains(v) {
			values = append(values, v)
		}
	}
	return values
}

// Len returns the number of live elements.
func (s *ORSet[T]) Len() int {
	n := 0
	for v := range s.adds {
		if s.Contains(v) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (s *ORSet[T]) Clone() *ORSet[T] {
	out := NewORSet[T]()
	for v, tags := range s.adds {
		out.adds[v] = make(map[string]struct{}, len(tags))
		for tag := range tags {
			out.adds[v][tag] = struct{}{}
		}
	}
	for v, tags := range s.removes {
		out.removes[v] = make(map[string]struct{}, len(tags))
		for tag := range tags {
			out.removes[v][tag] = struct{}{}
		}
	}
	return out
}

// Merge folds another set's adds and tombstones into this one.
//
// Description:
//
//	Takes the union of add tags and the union of remove tags. Because
//	tags are unique and tombstones reference tags rather than values,
//	the merge is commutative, associative, and idempotent.
func (s *ORSet[T]) Merge(other *ORSet[T]) error {
	if other == nil {
		return ErrNilMerge
	}
	for v, tags := range other.adds {
		if s.adds[v] == nil {
			s.adds[v] = make(map[string]struct{}, len(tags))
		}
		for tag := range tags {
			s.adds[v][tag] = struct{}{}
		}
	}
	for v, tags := range other.removes {
		if s.removes[v] == nil {
			s.removes[v] = make(map[string]struct{}, len(tags))
		}
		for tag := range tags {
			s.removes[v][tag] = struct{}{}
		}
	}
	return nil
}

// orsetEntry is one element with its tags in the wire form.
type orsetEntry[T comparable] struct {
	Value T        `json:"value"`
	Tags  []string `json:"tags"`
}

// orsetJSON is the wire form of ORSet.
type orsetJSON[T comparable] struct {
	Adds    []orsetEntry[T] `json:"adds"`
	Removes []orsetEntry[T] `json:"removes"`
}

func entriesOf[T comparable](m map[T]map[string]struct{}) []orsetEntry[T] {
	entries := make([]orsetEntry[T], 0, len(m))
	for v, tags := range m {
		tagList := make([]string, 0, len(tags))
		for tag := range tags {
			tagList = append(tagList, tag)
		}
		sort.Strings(tagList)
		entries = append(entries, orsetEntry[T]{Value: v, Tags: tagList})
	}
	return entries
}

func mapOf[T comparable](entries []orsetEntry[T]) map[T]map[string]struct{} {
	m := make(map[T]map[string]struct{}, len(entries))
	for _, e := range entries {
		if m[e.Value] == nil {
			m[e.Value] = make(map[string]struct{}, len(e.Tags))
		}
		for _, tag := range e.Tags {
			m[e.Value][tag] = struct{}{}
		}
	}
	return m
}

// MarshalJSON implements json.Marshaler.
func (s *ORSet[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(orsetJSON[T]{
		Adds:    entriesOf(s.adds),
		Removes: entriesOf(s.removes),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ORSet[T]) UnmarshalJSON(data []byte) error {
	var wire orsetJSON[T]
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("unmarshal orset: %w", err)
	}
	s.adds = mapOf(wire.Adds)
	s.removes = mapOf(wire.Removes)
	return nil
}
