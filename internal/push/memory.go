package push

import (
	"context"
	"iter"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]Subscription)}
}

func (s *MemoryStore) Probe(context.Context) error {
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.subs[sub.Endpoint]; ok {
		sub.CreatedAt = prev.CreatedAt
	}
	s.subs[sub.Endpoint] = cloneSubscription(sub)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, endpoint)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, endpoint string) (Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[endpoint]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return cloneSubscription(sub), nil
}

// All iterates a snapshot ordered by endpoint.
func (s *MemoryStore) All(ctx context.Context) iter.Seq2[Subscription, error] {
	return func(yield func(Subscription, error) bool) {
		s.mu.RLock()
		snapshot := make([]Subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			snapshot = append(snapshot, cloneSubscription(sub))
		}
		s.mu.RUnlock()
		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Endpoint < snapshot[j].Endpoint })

		for _, sub := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Subscription{}, err)
				return
			}
			if !yield(sub, nil) {
				return
			}
		}
	}
}
