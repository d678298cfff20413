package statetable

import (
	"hash/fnv"
	"sync"
)

type shard struct {
	mu      sync.RWMutex
	entries map[entryKey]*entry
}

// shardedMap is a fixed-size set of independently locked maps. Prepares on
// keys in different shards never contend.
type shardedMap struct {
	shards []*shard
	mask   uint32
}

func newShardedMap(n int) *shardedMap {
	m := &shardedMap{
		shards: make([]*shard, n),
		mask:   uint32(n - 1),
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[entryKey]*entry)}
	}
	return m
}

func (m *shardedMap) shardFor(k entryKey) *shard {
	h := fnv.New32a()
	h.Write([]byte{byte(k.typ)})
	h.Write([]byte(k.key))
	return m.shards[h.Sum32()&m.mask]
}

// getOrCreate returns the entry for k, creating an empty one if needed.
// The caller must hold s.mu for writing.
func (s *shard) getOrCreate(k entryKey) *entry {
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	return e
}

func (m *shardedMap) remove(k entryKey) {
	s := m.shardFor(k)
	s.mu.Lock()
	delete(s.entries, k)
	s.mu.Unlock()
}

func (m *shardedMap) len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// forEach calls fn for every entry, holding each shard's read lock in turn.
// Iteration stops when fn returns false.
func (m *shardedMap) forEach(fn func(k entryKey, e *entry) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, e := range s.entries {
			if !fn(k, e) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}
