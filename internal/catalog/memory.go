package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemorySource struct {
	mu    sync.RWMutex
	books []Book
}

func NewMemorySource(books ...Book) *MemorySource {
	return &MemorySource{books: append([]Book(nil), books...)}
}

func (s *MemorySource) Add(b Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = append(s.books, b)
}

func (s *MemorySource) PublishedSince(_ context.Context, since time.Time, status string, limit int) ([]Book, error) {
	s.mu.RLock()
	var out []Book
	for _, b := range s.books {
		if b.Status == status && !b.CreatedAt.Before(since) {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
