package warmup

import (
	"context"
	"sync"
)

// TargetProvider lists the contacts an instance may warm up against.
type TargetProvider interface {
	ListTargets(ctx context.Context, instanceID string) ([]string, error)
}

// StaticTargets serves a fixed target list, optionally per instance.
type StaticTargets struct {
	mu         sync.RWMutex
	fallback   []string
	byInstance map[string][]string
}

// NewStaticTargets creates a provider returning fallback for every instance
// without its own list.
func NewStaticTargets(fallback []string) *StaticTargets {
	return &StaticTargets{
		fallback:   append([]string(nil), fallback...),
		byInstance: make(map[string][]string),
	}
}

// Set assigns instanceID its own targets.
func (s *StaticTargets) Set(instanceID string, targets []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byInstance[instanceID] = append([]string(nil), targets...)
}

func (s *StaticTargets) ListTargets(ctx context.Context, instanceID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.byInstance[instanceID]; ok {
		return append([]string(nil), t...), nil
	}
	return append([]string(nil), s.fallback...), nil
}
