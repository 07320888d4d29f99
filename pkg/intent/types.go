// Package intent implements the message intent pipeline: every requested
// outbound message becomes an auditable MessageIntent that is APPROVED,
// QUEUED, BLOCKED or DROPPED against the health of the deciding instance.
package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zapguard/guardrail/pkg/transport"
)

var (
	// ErrNotFound is returned when an intent does not exist.
	ErrNotFound = errors.New("intent: not found")
	// ErrConflict is returned when a compare-and-set lost a race.
	ErrConflict = errors.New("intent: changed concurrently")
	// ErrIllegalTransition is returned for a transition outside the forward-only graph.
	ErrIllegalTransition = errors.New("intent: illegal transition")
	// ErrInvalidRequest is returned for a malformed request envelope.
	ErrInvalidRequest = errors.New("intent: invalid request")
)

// Purpose is why a message is sent.
type Purpose string

const (
	PurposeWarmUp   Purpose = "WARMUP"
	PurposeDispatch Purpose = "DISPATCH"
	PurposeSchedule Purpose = "SCHEDULE"
)

// Status is the decision state of an intent.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusQueued   Status = "QUEUED"
	StatusBlocked  Status = "BLOCKED"
	StatusDropped  Status = "DROPPED"
	StatusSent     Status = "SENT"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusQueued, StatusBlocked, StatusDropped},
	StatusQueued:   {StatusApproved, StatusBlocked, StatusQueued},
	StatusApproved: {StatusSent},
}

// CanTransition reports whether from -> to is on the forward-only graph.
// QUEUED -> QUEUED is a requeue with a new deadline.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MessageIntent is a requested outbound message and its decision.
type MessageIntent struct {
	ID             string                `json:"id"`
	OrganizationID string                `json:"organization_id"`
	Purpose        Purpose               `json:"purpose"`
	Type           transport.MessageType `json:"type"`
	Target         transport.Target      `json:"target"`
	Payload        json.RawMessage       `json:"payload"`
	PayloadHash    string                `json:"payload_hash"`
	Status         Status                `json:"status"`
	// PinnedInstanceID restricts candidate selection to one instance.
	PinnedInstanceID    string `json:"pinned_instance_id,omitempty"`
	DecidedByInstanceID string `json:"decided_by_instance_id,omitempty"`
	// BlockedReason is set iff Status is BLOCKED.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// QueuedUntil is set iff Status is QUEUED.
	QueuedUntil  *time.Time `json:"queued_until,omitempty"`
	QueuedReason string     `json:"queued_reason,omitempty"`
	RequeueCount int        `json:"requeue_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	Version      int64      `json:"version"`
}

// Clone returns a deep copy safe to mutate.
func (m *MessageIntent) Clone() *MessageIntent {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.QueuedUntil != nil {
		t := *m.QueuedUntil
		c.QueuedUntil = &t
	}
	if m.DecidedAt != nil {
		t := *m.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// Request is a message submission.
type Request struct {
	OrganizationID string                `json:"organization_id"`
	Purpose        Purpose               `json:"purpose"`
	Type           transport.MessageType `json:"type"`
	Target         transport.Target      `json:"target"`
	Payload        json.RawMessage       `json:"payload"`
	// InstanceID optionally pins the deciding instance.
	InstanceID string `json:"instance_id,omitempty"`
}

// Validate checks the envelope. Payload content is judged by the pipeline
// and yields BLOCKED rather than an error.
func (r Request) Validate() error {
	if r.OrganizationID == "" {
		return fmt.Errorf("%w: organization_id is required", ErrInvalidRequest)
	}
	switch r.Purpose {
	case PurposeWarmUp, PurposeDispatch, PurposeSchedule:
	default:
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidRequest, r.Purpose)
	}
	switch r.Type {
	case transport.TypeText, transport.TypeAudio, transport.TypeMedia, transport.TypeReaction:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, r.Type)
	}
	switch r.Target.Kind {
	case transport.TargetPhone, transport.TargetGroup:
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrInvalidRequest, r.Target.Kind)
	}
	if r.Target.Value == "" {
		return fmt.Errorf("%w: target value is required", ErrInvalidRequest)
	}
	return nil
}

// Filter selects intents for listing.
type Filter struct {
	OrganizationID string
	Status         Status
	Purpose        Purpose
	InstanceID     string
	Limit          int
}

func (f Filter) matches(m *MessageIntent) bool {
	return (f.OrganizationID == "" || m.OrganizationID == f.OrganizationID) &&
		(f.Status == "" || m.Status == f.Status) &&
		(f.Purpose == "" || m.Purpose == f.Purpose) &&
		(f.InstanceID == "" || m.DecidedByInstanceID == f.InstanceID)
}
