package intent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists intents. Update is a compare-and-set on (status, version)
// and rejects transitions off the forward-only graph.
type Store interface {
	Create(ctx context.Context, m *MessageIntent) error
	Get(ctx context.Context, id string) (*MessageIntent, error)
	List(ctx context.Context, f Filter) ([]*MessageIntent, error)
	// ListDueQueued returns QUEUED intents whose QueuedUntil <= now.
	ListDueQueued(ctx context.Context, now time.Time, limit int) ([]*MessageIntent, error)
	Update(ctx context.Context, m *MessageIntent, expectedStatus Status, expectedVersion int64) error
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*MessageIntent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]*MessageIntent)}
}

func (s *MemoryStore) Create(ctx context.Context, m *MessageIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[m.ID]; ok {
		return fmt.Errorf("intent: duplicate id %s", m.ID)
	}
	s.intents[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*MessageIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*MessageIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*MessageIntent
	for _, m := range s.intents {
		if f.matches(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListDueQueued(ctx context.Context, now time.Time, limit int) ([]*MessageIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*MessageIntent
	for _, m := range s.intents {
		if m.Status == StatusQueued && m.QueuedUntil != nil && !m.QueuedUntil.After(now) {
			due = append(due, m.Clone())
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].QueuedUntil.Equal(*due[b].QueuedUntil) {
			return due[a].QueuedUntil.Before(*due[b].QueuedUntil)
		}
		return due[a].ID < due[b].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) Update(ctx context.Context, m *MessageIntent, expectedStatus Status, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.intents[m.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expectedStatus || cur.Version != expectedVersion {
		return ErrConflict
	}
	if err := checkTransition(cur.Status, m.Status); err != nil {
		return err
	}
	s.intents[m.ID] = m.Clone()
	return nil
}
