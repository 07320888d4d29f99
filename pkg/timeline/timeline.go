// Package timeline is the append-only event history behind the intent
// timeline view. The pipeline, the job runner and follow-up escalation record
// events here; readers join them with the intent and its job.
package timeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind categorizes timeline events.
type Kind string

const (
	KindIntentCreated   Kind = "INTENT_CREATED"
	KindIntentDecided   Kind = "INTENT_DECIDED"
	KindIntentRedecided Kind = "INTENT_REDECIDED"
	KindIntentCancelled Kind = "INTENT_CANCELLED"
	KindIntentSent      Kind = "INTENT_SENT"
	KindJobCreated      Kind = "JOB_CREATED"
	KindJobAttempt      Kind = "JOB_ATTEMPT"
	KindJobRetry        Kind = "JOB_RETRY"
	KindJobSent         Kind = "JOB_SENT"
	KindJobFailed       Kind = "JOB_FAILED"
	KindFollowUp        Kind = "FOLLOW_UP"
)

// Event is one entry in the history.
type Event struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	OrganizationID string         `json:"organization_id"`
	IntentID       string         `json:"intent_id,omitempty"`
	JobID          string         `json:"job_id,omitempty"`
	InstanceID     string         `json:"instance_id,omitempty"`
	Summary        string         `json:"summary"`
	Details        map[string]any `json:"details,omitempty"`
	ContentHash    string         `json:"content_hash"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Log stores and reads timeline events.
type Log interface {
	Record(ctx context.Context, e Event) error
	// ForIntent returns an intent's events in time order.
	ForIntent(ctx context.Context, intentID string) ([]Event, error)
}

// prepare fills the id, timestamp and content hash.
func prepare(e *Event, now time.Time) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	data, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("timeline: marshal details: %w", err)
	}
	h := sha256.Sum256(data)
	e.ContentHash = "sha256:" + hex.EncodeToString(h[:])
	return nil
}

// MemoryLog keeps events in memory, indexed by intent.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
	index  map[string][]int
	clock  func() time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{index: make(map[string][]int), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

func (l *MemoryLog) Record(ctx context.Context, e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := prepare(&e, l.clock()); err != nil {
		return err
	}
	idx := len(l.events)
	l.events = append(l.events, e)
	if e.IntentID != "" {
		l.index[e.IntentID] = append(l.index[e.IntentID], idx)
	}
	return nil
}

func (l *MemoryLog) ForIntent(ctx context.Context, intentID string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	indices := l.index[intentID]
	out := make([]Event, 0, len(indices))
	for _, i := range indices {
		out = append(out, l.events[i])
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Timestamp.Before(out[b].Timestamp) })
	return out, nil
}
