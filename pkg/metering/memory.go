package metering

import (
	"context"
	"sync"
	"time"
)

// MemoryMeter keeps events in memory and prunes those older than retention.
type MemoryMeter struct {
	mu        sync.Mutex
	events    []Event
	retention time.Duration
	clock     func() time.Time
}

// NewMemoryMeter creates a meter that retains events for retention.
func NewMemoryMeter(retention time.Duration) *MemoryMeter {
	return &MemoryMeter{retention: retention, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryMeter) WithClock(clock func() time.Time) *MemoryMeter {
	m.clock = clock
	return m
}

func (m *MemoryMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	m.events = append(m.events, event)
	m.prune(now)
	return nil
}

func (m *MemoryMeter) prune(now time.Time) {
	if m.retention <= 0 {
		return
	}
	cutoff := now.Add(-m.retention)
	start := 0
	for start < len(m.events) && m.events[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		m.events = append([]Event(nil), m.events[start:]...)
	}
}

func (m *MemoryMeter) Snapshot(ctx context.Context, orgID string, window time.Duration) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to := m.clock()
	from := to.Add(-window)
	snap := newSnapshot(orgID, from, to)
	for _, e := range m.events {
		if e.OrganizationID != orgID || e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		snap.add(e.InstanceID, e.Kind, 1)
	}
	return snap, nil
}
