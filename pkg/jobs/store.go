package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists jobs. Update is a compare-and-set on (status, version).
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	GetByIntent(ctx context.Context, intentID string) (*Job, error)
	// ListDue returns PENDING jobs and RETRY jobs whose NextAttemptAt <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	// OpenLoad counts non-terminal jobs for an instance.
	OpenLoad(ctx context.Context, instanceID string) (int, error)
	// Update writes job iff the stored status and version match.
	Update(ctx context.Context, job *Job, expectedStatus Status, expectedVersion int64) error
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	byIntent map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		byIntent: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byIntent[job.IntentID]; ok {
		return ErrDuplicateIntent
	}
	s.jobs[job.ID] = job.Clone()
	s.byIntent[job.IntentID] = job.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) GetByIntent(ctx context.Context, intentID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIntent[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.jobs[id].Clone(), nil
}

func dueAt(j *Job) time.Time {
	if j.Status == StatusRetry && j.NextAttemptAt != nil {
		return *j.NextAttemptAt
	}
	return j.CreatedAt
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Job
	for _, j := range s.jobs {
		switch {
		case j.Status == StatusPending:
		case j.Status == StatusRetry && j.NextAttemptAt != nil && !j.NextAttemptAt.After(now):
		default:
			continue
		}
		due = append(due, j.Clone())
	}
	sort.Slice(due, func(a, b int) bool {
		da, db := dueAt(due[a]), dueAt(due[b])
		if !da.Equal(db) {
			return da.Before(db)
		}
		return due[a].ID < due[b].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) OpenLoad(ctx context.Context, instanceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs {
		if j.InstanceID == instanceID && !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Update(ctx context.Context, job *Job, expectedStatus Status, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expectedStatus || cur.Version != expectedVersion {
		return ErrConflict
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}
