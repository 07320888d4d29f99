// Package jobs runs execution jobs: the unit of work that performs the send
// for an approved message intent, with bounded retries and backoff.
//
// Job state machine:
//
//	PENDING -> PROCESSING -> SENT (terminal)
//	PROCESSING -> RETRY -> PROCESSING      while attempts < max
//	PROCESSING -> FAILED (terminal)        once attempts >= max
//	PENDING|RETRY -> FAILED                on cancellation
package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/zapguard/guardrail/pkg/transport"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("jobs: not found")
	// ErrConflict is returned when a compare-and-set lost a race.
	ErrConflict = errors.New("jobs: status changed concurrently")
	// ErrDuplicateIntent is returned when an intent already owns a job.
	ErrDuplicateIntent = errors.New("jobs: intent already has a job")
	// ErrNotCancellable is returned when cancelling a job that is not PENDING or RETRY.
	ErrNotCancellable = errors.New("jobs: job is not cancellable")
)

// Status is the execution state of a job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
	StatusRetry      Status = "RETRY"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Job is an execution job. It is owned 1:1 by its intent and is never deleted.
type Job struct {
	ID                string                `json:"id"`
	IntentID          string                `json:"intent_id"`
	OrganizationID    string                `json:"organization_id"`
	InstanceID        string                `json:"instance_id"`
	Provider          string                `json:"provider"`
	Target            transport.Target      `json:"target"`
	Type              transport.MessageType `json:"type"`
	Payload           json.RawMessage       `json:"payload"`
	Status            Status                `json:"status"`
	Attempts          int                   `json:"attempts"`
	LastError         string                `json:"last_error,omitempty"`
	ProviderMessageID string                `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	// ExecutedAt is set exactly once, on entry to SENT.
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	// NextAttemptAt is set iff Status is RETRY.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Version       int64      `json:"version"`
}

// Clone returns a deep copy safe to mutate.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.ExecutedAt != nil {
		t := *j.ExecutedAt
		c.ExecutedAt = &t
	}
	if j.NextAttemptAt != nil {
		t := *j.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}

// NewJob is the input to Runner.Create.
type NewJob struct {
	IntentID       string
	OrganizationID string
	InstanceID     string
	Provider       string
	Target         transport.Target
	Type           transport.MessageType
	Payload        json.RawMessage
}
