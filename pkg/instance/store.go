package instance

import (
	"context"
	"sort"
	"sync"
)

// Store persists instances. Update is a compare-and-set on Version.
type Store interface {
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	// List returns the instances of an organization; an empty orgID lists all.
	List(ctx context.Context, orgID string) ([]*Instance, error)
	// ListActiveIDs returns ids of instances that take part in health sweeps
	// (ACTIVE and COOLDOWN).
	ListActiveIDs(ctx context.Context) ([]string, error)
	// Update writes inst iff the stored version equals expectedVersion.
	Update(ctx context.Context, inst *Instance, expectedVersion int64) error
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) Create(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, orgID string) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if orgID == "" || inst.OrganizationID == orgID {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *MemoryStore) ListActiveIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, inst := range s.instances {
		if inst.LifecycleStatus == LifecycleActive || inst.LifecycleStatus == LifecycleCooldown {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Update(ctx context.Context, inst *Instance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}
