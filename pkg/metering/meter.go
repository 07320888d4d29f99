// Package metering records execution events (jobs created, messages sent,
// failed jobs, retries) and aggregates them per organization and per instance
// over a sliding window.
package metering

import (
	"context"
	"errors"
	"time"

	"github.com/zapguard/guardrail/pkg/observability"
)

var (
	// ErrEmptyOrganizationID is returned when an event has no organization.
	ErrEmptyOrganizationID = errors.New("metering: organization_id must not be empty")
	// ErrInvalidEventKind is returned for an unknown event kind.
	ErrInvalidEventKind = errors.New("metering: unknown event kind")
)

// Kind is the type of a metered execution event.
type Kind string

const (
	KindJobCreated  Kind = "jobs_created"
	KindMessageSent Kind = "messages_sent"
	KindFailedJob   Kind = "failed_jobs"
	KindRetry       Kind = "retries"
)

// Event is a single metered execution event.
type Event struct {
	Kind           Kind      `json:"kind"`
	OrganizationID string    `json:"organization_id"`
	InstanceID     string    `json:"instance_id"`
	JobID          string    `json:"job_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Validate checks that the event has valid fields.
func (e Event) Validate() error {
	if e.OrganizationID == "" {
		return ErrEmptyOrganizationID
	}
	switch e.Kind {
	case KindJobCreated, KindMessageSent, KindFailedJob, KindRetry:
		return nil
	}
	return ErrInvalidEventKind
}

// Counters are the per-kind totals of a snapshot.
type Counters struct {
	JobsCreated  int64 `json:"jobs_created"`
	MessagesSent int64 `json:"messages_sent"`
	FailedJobs   int64 `json:"failed_jobs"`
	Retries      int64 `json:"retries"`
}

// Add increments the counter for kind by n.
func (c *Counters) Add(kind Kind, n int64) {
	switch kind {
	case KindJobCreated:
		c.JobsCreated += n
	case KindMessageSent:
		c.MessagesSent += n
	case KindFailedJob:
		c.FailedJobs += n
	case KindRetry:
		c.Retries += n
	}
}

// Snapshot aggregates an organization's events over [From, To).
type Snapshot struct {
	OrganizationID string              `json:"organization_id"`
	From           time.Time           `json:"from"`
	To             time.Time           `json:"to"`
	Totals         Counters            `json:"totals"`
	PerInstance    map[string]Counters `json:"per_instance"`
}

func newSnapshot(orgID string, from, to time.Time) *Snapshot {
	return &Snapshot{
		OrganizationID: orgID,
		From:           from,
		To:             to,
		PerInstance:    make(map[string]Counters),
	}
}

func (s *Snapshot) add(instanceID string, kind Kind, n int64) {
	s.Totals.Add(kind, n)
	c := s.PerInstance[instanceID]
	c.Add(kind, n)
	s.PerInstance[instanceID] = c
}

// Meter is the interface for recording and querying execution metrics.
type Meter interface {
	// Record stores one event.
	Record(ctx context.Context, event Event) error
	// Snapshot aggregates orgID's events in the window ending now.
	Snapshot(ctx context.Context, orgID string, window time.Duration) (*Snapshot, error)
}

// Mirrored wraps a Meter and mirrors every recorded event to OpenTelemetry.
type Mirrored struct {
	Meter
	telemetry *observability.Provider
}

// NewMirrored wraps m. A nil provider only forwards.
func NewMirrored(m Meter, p *observability.Provider) *Mirrored {
	return &Mirrored{Meter: m, telemetry: p}
}

func (m *Mirrored) Record(ctx context.Context, event Event) error {
	if err := m.Meter.Record(ctx, event); err != nil {
		return err
	}
	m.telemetry.RecordExecutionEvent(ctx, string(event.Kind), event.OrganizationID)
	return nil
}
