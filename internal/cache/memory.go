package cache

import (
	"context"
	"sort"
	"sync"
)

type memoryEntry struct {
	entry Entry
	seq   uint64
}

// MemoryStore keeps named caches in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	seq    uint64
	caches map[string]map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{caches: make(map[string]map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, cacheName, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.caches[cacheName][key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e.entry), nil
}

func (s *MemoryStore) Put(_ context.Context, cacheName, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[cacheName]
	if !ok {
		c = make(map[string]memoryEntry)
		s.caches[cacheName] = c
	}
	s.seq++
	c[key] = memoryEntry{entry: cloneEntry(entry), seq: s.seq}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, cacheName, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[cacheName]
	if !ok {
		return nil
	}
	delete(c, key)
	if len(c) == 0 {
		delete(s.caches, cacheName)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, cacheName string) ([]Meta, error) {
	s.mu.Lock()
	type indexed struct {
		meta Meta
		seq  uint64
	}
	c := s.caches[cacheName]
	items := make([]indexed, 0, len(c))
	for k, e := range c {
		items = append(items, indexed{meta: Meta{Key: k, StoredAt: e.entry.StoredAt}, seq: e.seq})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]Meta, len(items))
	for i, it := range items {
		out[i] = it.meta
	}
	return out, nil
}

func (s *MemoryStore) Names(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Drop(_ context.Context, cacheName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.caches, cacheName)
	return nil
}

func cloneEntry(e Entry) Entry {
	out := e
	if e.Header != nil {
		out.Header = e.Header.Clone()
	}
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}
