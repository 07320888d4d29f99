// Package admission implements per-instance send admission control: a token
// bucket per instance that caps how fast approved intents reach the transport.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines the per-instance send budget.
type Policy struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// DefaultPolicy allows 20 sends per minute with a burst of 5.
func DefaultPolicy() Policy {
	return Policy{PerMinute: 20, Burst: 5}
}

func (p Policy) ratePerSecond() float64 {
	r := float64(p.PerMinute) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether key may spend cost tokens now.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// MemoryLimiterStore keeps one golang.org/x/time/rate limiter per key.
// Suitable for single-process deployments.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	clock    func() time.Time
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryLimiterStore) WithClock(clock func() time.Time) *MemoryLimiterStore {
	s.clock = clock
	return s
}

func (s *MemoryLimiterStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(policy.ratePerSecond()), policy.burst())
		s.limiters[key] = l
	}
	return l.AllowN(s.clock(), cost), nil
}

// Controller admits sends for instances against a LimiterStore.
type Controller struct {
	store  LimiterStore
	policy Policy
}

// NewController creates a controller. A nil store admits everything.
func NewController(store LimiterStore, policy Policy) *Controller {
	return &Controller{store: store, policy: policy}
}

// Admit consumes one token for instanceID.
func (c *Controller) Admit(ctx context.Context, instanceID string) (bool, error) {
	if c == nil || c.store == nil {
		return true, nil
	}
	ok, err := c.store.Allow(ctx, "instance:"+instanceID, c.policy, 1)
	if err != nil {
		return false, fmt.Errorf("admission check failed: %w", err)
	}
	return ok, nil
}
