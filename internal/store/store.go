// Package store holds decoded images keyed by file path.
//
// The store is split into shards, each guarded by its own lock, so that
// inserting a freshly decoded image does not block lookups of unrelated
// keys from the display side.
package store

import (
	"image"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 16

// Entry is a decoded image and its memory footprint. It is not modified
// after insertion; a re-decode replaces it.
type Entry struct {
	Key    string
	Bitmap image.Image
	SizeMB float64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Store is a concurrent map from key to Entry.
type Store struct {
	shards []*shard
}

// New returns an empty store with n shards. If n is not positive a default is used.
func New(n int) *Store {
	if n <= 0 {
		n = defaultShards
	}
	s := &Store{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return s
}

func (s *Store) shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.shards)))
}

func (s *Store) shardOf(key string) *shard {
	return s.shards[s.shardIndex(key)]
}

// Contains returns whether key has an entry.
func (s *Store) Contains(key string) bool {
	sh := s.shardOf(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.entries[key]
	return ok
}

// Get returns the bitmap stored for key.
func (s *Store) Get(key string) (image.Image, bool) {
	e, ok := s.Entry(key)
	if !ok {
		return nil, false
	}
	return e.Bitmap, true
}

// Entry returns the entry stored for key.
func (s *Store) Entry(key string) (Entry, bool) {
	sh := s.shardOf(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Insert stores bitmap under key, replacing any previous entry.
func (s *Store) Insert(key string, bitmap image.Image, sizeMB float64) {
	e := &Entry{Key: key, Bitmap: bitmap, SizeMB: sizeMB}
	sh := s.shardOf(key)
	sh.mu.Lock()
	sh.entries[key] = e
	sh.mu.Unlock()
}

// Remove deletes the entry for key. It reports whether there was one.
func (s *Store) Remove(key string) bool {
	sh := s.shardOf(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[key]; !ok {
		return false
	}
	delete(sh.entries, key)
	return true
}

// Rename moves the entry of oldKey to newKey in one step. An entry already
// stored under newKey is replaced. It reports whether oldKey had an entry.
func (s *Store) Rename(oldKey, newKey string) bool {
	if oldKey == newKey {
		return s.Contains(oldKey)
	}
	i, j := s.shardIndex(oldKey), s.shardIndex(newKey)
	// lock in shard order to avoid deadlocks between concurrent renames
	first, second := s.shards[min(i, j)], s.shards[max(i, j)]
	first.mu.Lock()
	defer first.mu.Unlock()
	if i != j {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	from, to := s.shards[i], s.shards[j]
	e, ok := from.entries[oldKey]
	if !ok {
		return false
	}
	delete(from.entries, oldKey)
	to.entries[newKey] = &Entry{Key: newKey, Bitmap: e.Bitmap, SizeMB: e.SizeMB}
	return true
}

// TotalSizeMB sums the footprint of all entries. It walks every shard.
func (s *Store) TotalSizeMB() float64 {
	var total float64
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			total += e.SizeMB
		}
		sh.mu.RUnlock()
	}
	return total
}

// Len returns the number of entries.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.entries {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Clear removes all entries.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*Entry)
		sh.mu.Unlock()
	}
}
