// ABOUTME: Sharded concurrent map with one RWMutex per shard
// ABOUTME: Keeps unrelated keys (agents, rooms, connections) from contending on one lock

package shardmap

import (
	"hash/maphash"
	"sync"
)

const defaultShards = 32

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a string-keyed map split across independently locked shards.
// The zero value is not usable; construct with New.
type Map[V any] struct {
	seed   maphash.Seed
	shards []*shard[V]
}

// New creates a Map with n shards. n <= 0 selects a default.
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = defaultShards
	}
	m := &Map[V]{
		seed:   maphash.MakeSeed(),
		shards: make([]*shard[V], n),
	}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	h := maphash.String(m.seed, key)
	return m.shards[h%uint64(len(m.shards))]
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Swap stores v under key and returns the previous value, if any.
func (m *Map[V]) Swap(key string, v V) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.items[key]
	s.items[key] = v
	return prev, ok
}

// Delete removes key and returns the removed value, if any.
func (m *Map[V]) Delete(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return prev, ok
}

// Update runs fn under the key's shard write lock. fn receives the current
// value (and whether it exists) and returns the new value and whether to keep it.
// Returning keep=false deletes the key.
func (m *Map[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	next, keep := fn(cur, ok)
	if keep {
		s.items[key] = next
	} else if ok {
		delete(s.items, key)
	}
}

// View runs fn under the key's shard read lock.
func (m *Map[V]) View(key string, fn func(v V, ok bool)) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	fn(v, ok)
}

// Range calls fn for every entry, one shard at a time. Iteration stops when fn
// returns false. fn must not call back into the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Keys returns a snapshot of all keys.
func (m *Map[V]) Keys() []string {
	var keys []string
	m.Range(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Len returns the number of entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Drain removes and returns every entry.
func (m *Map[V]) Drain() map[string]V {
	out := make(map[string]V)
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			out[k] = v
		}
		s.items = make(map[string]V)
		s.mu.Unlock()
	}
	return out
}
