package audit

import (
	"context"
	"sync"
)

// Store persists audit events. Append-only; there is no delete.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByDID(ctx context.Context, did string) ([]Event, error)
}

// MemoryStore keeps events in memory for tests, development and as the
// local copy next to the Kafka trail.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) ListByDID(_ context.Context, did string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.DID == did {
			out = append(out, e)
		}
	}
	return out, nil
}
