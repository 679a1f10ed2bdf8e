// Package keylock provides per-key mutual exclusion. Keys are hashed onto a
// fixed number of shards; each shard tracks reference-counted mutexes so
// unrelated keys never wait on each other and idle keys are dropped.
package keylock

import "sync"

// shards controls how many independent shard mutexes guard the key maps.
const shards = 16

type entry struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Map hands out one mutex per key. The zero value is not usable; use [New].
type Map struct {
	shards [shards]shard
}

func New() *Map {
	m := &Map{}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*entry)
	}
	return m
}

// Lock blocks until key is held and returns the function that releases it.
func (m *Map) Lock(key string) (unlock func()) {
	s := &m.shards[shardIndex(key)]
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(shards))
}
