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
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/converge/storage/badger"
)

// Key prefixes for the badger-backed shared store.
var (
	sharedDataPrefix = []byte("shared:data:")
	sharedRefsPrefix = []byte("shared:refs:")
)

// BadgerSharedStore persists deduplicated state in BadgerDB so the shared
// store survives restarts (warm tier).
//
// Thread Safety: Safe for concurrent use. A store-level mutex serializes
// refcount read-modify-writes; Badger transactions alone would allow two
// concurrent Puts of the same hash to commit conflicting counts.
type BadgerSharedStore struct {
	mu sync.Mutex
	db *badger.DB
}

// NewBadgerSharedStore creates a store backed by an open database.
//
// The caller retains ownership of db and must close it after the store
// is no longer used.
func NewBadgerSharedStore(db *badger.DB) (*BadgerSharedStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &BadgerSharedStore{db: db}, nil
}

func dataKey(hash string) []byte {
	return append(append([]byte{}, sharedDataPrefix...), hash...)
}

func refsKey(hash string) []byte {
	return append(append([]byte{}, sharedRefsPrefix...), hash...)
}

func encodeCount(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:]
}

// readCount returns the stored refcount, or 0 when absent.
func readCount(txn *badgerdb.Txn, hash string) (uint64, error) {
	item, err := txn.Get(refsKey(hash))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read refcount: %w", err)
	}
	var count uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("malformed refcount for %s", hash)
		}
		count = binary.BigEndian.Uint64(val)
		return nil
	})
	return count, err
}

// Put implements SharedStore.
func (s *BadgerSharedStore) Put(hash string, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := false
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		count, err := readCount(txn, hash)
		if err != nil {
			return err
		}
		if count == 0 {
			if err := txn.Set(dataKey(hash), data); err != nil {
				return fmt.Errorf("store shared state: %w", err)
			}
			created = true
		}
		return txn.Set(refsKey(hash), encodeCount(count+1))
	})
	return created, err
}

// Get implements SharedStore.
func (s *BadgerSharedStore) Get(hash string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(dataKey(hash))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownSharedState, hash)
		}
		if err != nil {
			return fmt.Errorf("read shared state: %w", err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

// Refs implements SharedStore.
func (s *BadgerSharedStore) Refs(hash string) (int, error) {
	var count uint64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		count, err = readCount(txn, hash)
		return err
	})
	return int(count), err
}

// Decrement implements SharedStore.
func (s *BadgerSharedStore) Decrement(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		count, err := readCount(txn, hash)
		if err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrRefUnderflow, hash)
		}
		return txn.Set(refsKey(hash), encodeCount(count-1))
	})
}

// GC implements SharedStore.
//
// Description:
//
//	Scans all refcounts and removes entries that reached zero. Runs
//	in one transaction; with very large stores, callers should expect
//	the pass to retry on transaction size limits.
func (s *BadgerSharedStore) GC() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect zero-ref hashes first, then delete.
	var dead []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = sharedRefsPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			hash := string(item.Key()[len(sharedRefsPrefix):])
			err := item.Value(func(val []byte) error {
				if len(val) == 8 && binary.BigEndian.Uint64(val) == 0 {
					dead = append(dead, hash)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		for _, hash := range dead {
			if err := txn.Delete(refsKey(hash)); err != nil {
				return err
			}
			if err := txn.Delete(dataKey(hash)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(dead), nil
}

// Len implements SharedStore.
func (s *BadgerSharedStore) Len() (int, error) {
	count := 0
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = sharedDataPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

var _ SharedStore = (*BadgerSharedStore)(nil)
var _ SharedStore = (*MemorySharedStore)(nil)
