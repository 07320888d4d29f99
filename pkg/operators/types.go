// Package operators hands conversations between automation and human
// operators. A conversation has at most one owner; an operator never holds
// more conversations than its capacity.
package operators

import (
	"errors"
	"time"
)

var (
	ErrOperatorNotFound     = errors.New("operators: operator not found")
	ErrConversationNotFound = errors.New("operators: conversation not found")
	// ErrAlreadyAssigned is returned when another operator holds the conversation.
	ErrAlreadyAssigned = errors.New("operators: conversation already assigned")
	// ErrCapacityExceeded is returned when the operator is at capacity.
	ErrCapacityExceeded = errors.New("operators: operator at capacity")
	// ErrNotAssignedToOperator is returned when the named operator does not hold the conversation.
	ErrNotAssignedToOperator = errors.New("operators: conversation not assigned to operator")
	// ErrConversationClosed is returned when claiming a CLOSED conversation.
	ErrConversationClosed  = errors.New("operators: conversation closed")
	ErrInvalidOperator     = errors.New("operators: invalid operator")
	ErrInvalidConversation = errors.New("operators: invalid conversation")
)

// Status is an operator's availability.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusAway    Status = "AWAY"
	StatusOffline Status = "OFFLINE"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusAway || s == StatusOffline
}

// Operator is a human agent. CurrentConversationCount always equals the
// number of conversations assigned to it.
type Operator struct {
	ID                         string    `json:"id"`
	OrganizationID             string    `json:"organization_id"`
	UserID                     string    `json:"user_id"`
	Name                       string    `json:"name"`
	Status                     Status    `json:"status"`
	MaxConcurrentConversations int       `json:"max_concurrent_conversations"`
	CurrentConversationCount   int       `json:"current_conversation_count"`
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// HasCapacity reports whether the operator can take one more conversation.
func (o *Operator) HasCapacity() bool {
	return o.CurrentConversationCount < o.MaxConcurrentConversations
}

// ConversationStatus is the lifecycle of a conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "OPEN"
	ConversationClosed ConversationStatus = "CLOSED"
)

// Conversation is a thread with one contact on one instance. An empty
// AssignedOperatorID means the conversation is queued.
type Conversation struct {
	ID                 string             `json:"id"`
	OrganizationID     string             `json:"organization_id"`
	InstanceID         string             `json:"instance_id"`
	ContactID          string             `json:"contact_id"`
	Status             ConversationStatus `json:"status"`
	AssignedOperatorID string             `json:"assigned_operator_id,omitempty"`
	AssignedAt         *time.Time         `json:"assigned_at,omitempty"`
	UnreadCount        int                `json:"unread_count"`
	LastMessageAt      time.Time          `json:"last_message_at"`
	LastInboundAt      *time.Time         `json:"last_inbound_at,omitempty"`
	LastReplyAt        *time.Time         `json:"last_reply_at,omitempty"`

	// Last escalation raised, used to keep follow-ups idempotent per window.
	EscalationReason string     `json:"escalation_reason,omitempty"`
	EscalationAnchor *time.Time `json:"escalation_anchor,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Assigned reports whether an operator holds the conversation.
func (c *Conversation) Assigned() bool { return c.AssignedOperatorID != "" }

// Clone returns a deep copy safe to mutate.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	for _, p := range []**time.Time{&cp.AssignedAt, &cp.LastInboundAt, &cp.LastReplyAt, &cp.EscalationAnchor} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &cp
}

// ConversationFilter selects conversations.
type ConversationFilter struct {
	OrganizationID string
	InstanceID     string
	OpenOnly       bool
	UnassignedOnly bool
}

func (f ConversationFilter) matches(c *Conversation) bool {
	return (f.OrganizationID == "" || c.OrganizationID == f.OrganizationID) &&
		(f.InstanceID == "" || c.InstanceID == f.InstanceID) &&
		(!f.OpenOnly || c.Status == ConversationOpen) &&
		(!f.UnassignedOnly || !c.Assigned())
}

// Activity is one message observed on a conversation.
type Activity struct {
	At time.Time
	// Inbound is a contact message; otherwise an operator reply.
	Inbound bool
}
