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
	"fmt"
	"sync"
)

// SharedStore holds deduplicated state blobs keyed by content hash, with
// reference counts for explicit reclamation.
//
// An entry becomes reclaimable only when its refcount reaches zero, and is
// removed only by an explicit GC pass, never automatically.
type SharedStore interface {
	// Put inserts data under hash with refcount 1, or increments the
	// refcount when the hash already exists. Returns true when the hash
	// was new.
	Put(hash string, data []byte) (created bool, err error)

	// Get returns the stored blob, or ErrUnknownSharedState.
	Get(hash string) ([]byte, error)

	// Refs returns the current refcount. Zero for unknown hashes.
	Refs(hash string) (int, error)

	// Decrement lowers the refcount by one. ErrRefUnderflow below zero.
	Decrement(hash string) error

	// GC removes every entry whose refcount is zero and returns how
	// many were removed.
	GC() (removed int, err error)

	// Len returns the number of stored entries.
	Len() (int, error)
}

// MemorySharedStore is the in-process SharedStore.
//
// Thread Safety: Safe for concurrent use; every operation holds the
// store mutex, so refcount read-modify-writes cannot interleave.
type MemorySharedStore struct {
	mu   sync.Mutex
	data map[string][]byte
	refs map[string]int
}

// NewMemorySharedStore creates an empty in-process store.
func NewMemorySharedStore() *MemorySharedStore {
	return &MemorySharedStore{
		data: make(map[string][]byte),
		refs: make(map[string]int),
	}
}

// Put implements SharedStore.
func (s *MemorySharedStore) Put(hash string, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[hash]; ok {
		s.refs[hash]++
		return false, nil
	}
	s.data[hash] = data
	s.refs[hash] = 1
	return true, nil
}

// Get implements SharedStore.
func (s *MemorySharedStore) Get(hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.data[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSharedState, hash)
	}
	return data, nil
}

// Refs implements SharedStore.
func (s *MemorySharedStore) Refs(hash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[hash], nil
}

// Decrement implements SharedStore.
func (s *MemorySharedStore) Decrement(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[hash] <= 0 {
		return fmt.Errorf("%w: %s", ErrRefUnderflow, hash)
	}
	s.refs[hash]--
	return nil
}

// GC implements SharedStore.
func (s *MemorySharedStore) GC() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for hash, count := range s.refs {
		if count == 0 {
			delete(s.refs, hash)
			delete(s.data, hash)
			removed++
		}
	}
	return removed, nil
}

// Len implements SharedStore.
func (s *MemorySharedStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data), nil
}
