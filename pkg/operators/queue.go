package operators

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// NewOperator describes an operator to register.
type NewOperator struct {
	OrganizationID             string `json:"organization_id"`
	UserID                     string `json:"user_id"`
	Name                       string `json:"name"`
	MaxConcurrentConversations int    `json:"max_concurrent_conversations"`
	Status                     Status `json:"status,omitempty"`
}

// NewConversation describes a conversation entering the queue.
type NewConversation struct {
	OrganizationID string `json:"organization_id"`
	InstanceID     string `json:"instance_id"`
	ContactID      string `json:"contact_id"`
}

// Queue is the operator assignment service.
//
// Only ONLINE operators should be offered as claim targets. The queue does
// not enforce this; callers pick targets.
type Queue struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

func NewQueue(store Store) *Queue {
	return &Queue{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "operators"),
	}
}

// WithClock overrides clock for testing.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// AddOperator registers an operator, OFFLINE unless a status is given.
func (q *Queue) AddOperator(ctx context.Context, req NewOperator) (*Operator, error) {
	if req.OrganizationID == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: organization_id and name are required", ErrInvalidOperator)
	}
	if req.MaxConcurrentConversations <= 0 {
		return nil, fmt.Errorf("%w: max_concurrent_conversations must be positive", ErrInvalidOperator)
	}
	if req.Status == "" {
		req.Status = StatusOffline
	}
	if !req.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidOperator, req.Status)
	}
	now := q.clock()
	op := &Operator{
		ID:                         uuid.NewString(),
		OrganizationID:             req.OrganizationID,
		UserID:                     req.UserID,
		Name:                       req.Name,
		Status:                     req.Status,
		MaxConcurrentConversations: req.MaxConcurrentConversations,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if err := q.store.CreateOperator(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

func (q *Queue) Operator(ctx context.Context, id string) (*Operator, error) {
	return q.store.GetOperator(ctx, id)
}

func (q *Queue) Operators(ctx context.Context, orgID string) ([]*Operator, error) {
	return q.store.ListOperators(ctx, orgID)
}

// SetStatus changes an operator's availability. Held conversations are kept.
func (q *Queue) SetStatus(ctx context.Context, operatorID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidOperator, status)
	}
	return q.store.SetOperatorStatus(ctx, operatorID, status, q.clock())
}

// OpenConversation queues a new unassigned conversation.
func (q *Queue) OpenConversation(ctx context.Context, req NewConversation) (*Conversation, error) {
	if req.OrganizationID == "" || req.InstanceID == "" || req.ContactID == "" {
		return nil, fmt.Errorf("%w: organization_id, instance_id and contact_id are required", ErrInvalidConversation)
	}
	now := q.clock()
	c := &Conversation{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		InstanceID:     req.InstanceID,
		ContactID:      req.ContactID,
		Status:         ConversationOpen,
		LastMessageAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (q *Queue) Conversation(ctx context.Context, id string) (*Conversation, error) {
	return q.store.GetConversation(ctx, id)
}

func (q *Queue) Conversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	return q.store.ListConversations(ctx, f)
}

// Unassigned returns the open queued conversations of an instance; "" means
// every instance.
func (q *Queue) Unassigned(ctx context.Context, instanceID string) ([]*Conversation, error) {
	return q.store.ListConversations(ctx, ConversationFilter{InstanceID: instanceID, OpenOnly: true, UnassignedOnly: true})
}

// Claim assigns an open queued conversation to operatorID. Claiming a
// conversation the operator already holds succeeds without change; a CLOSED
// conversation yields ErrConversationClosed.
func (q *Queue) Claim(ctx context.Context, conversationID, operatorID string) (*Conversation, error) {
	if err := q.store.Claim(ctx, conversationID, operatorID, q.clock()); err != nil {
		q.logger.DebugContext(ctx, "claim rejected", "conversation_id", conversationID, "operator_id", operatorID, "error", err)
		return nil, err
	}
	q.logger.InfoContext(ctx, "conversation claimed", "conversation_id", conversationID, "operator_id", operatorID)
	return q.store.GetConversation(ctx, conversationID)
}

// Release returns a held conversation to the queue.
func (q *Queue) Release(ctx context.Context, conversationID, operatorID string) (*Conversation, error) {
	if err := q.store.Release(ctx, conversationID, operatorID, q.clock()); err != nil {
		return nil, err
	}
	q.logger.InfoContext(ctx, "conversation released", "conversation_id", conversationID, "operator_id", operatorID)
	return q.store.GetConversation(ctx, conversationID)
}

// Transfer moves a conversation between operators in one step; it is never
// observably unassigned in between.
func (q *Queue) Transfer(ctx context.Context, conversationID, fromOperatorID, toOperatorID string) (*Conversation, error) {
	if err := q.store.Transfer(ctx, conversationID, fromOperatorID, toOperatorID, q.clock()); err != nil {
		return nil, err
	}
	q.logger.InfoContext(ctx, "conversation transferred",
		"conversation_id", conversationID, "from_operator_id", fromOperatorID, "to_operator_id", toOperatorID)
	return q.store.GetConversation(ctx, conversationID)
}

// Requeue force-releases a conversation from whoever holds it.
func (q *Queue) Requeue(ctx context.Context, conversationID string) (string, error) {
	prev, err := q.store.Requeue(ctx, conversationID, q.clock())
	if err != nil {
		return "", err
	}
	if prev != "" {
		q.logger.InfoContext(ctx, "conversation requeued", "conversation_id", conversationID, "operator_id", prev)
	}
	return prev, nil
}

// Close ends a conversation and frees its operator.
func (q *Queue) Close(ctx context.Context, conversationID string) error {
	return q.store.CloseConversation(ctx, conversationID, q.clock())
}

// RecordInbound notes a contact message.
func (q *Queue) RecordInbound(ctx context.Context, conversationID string) error {
	return q.store.RecordActivity(ctx, conversationID, Activity{At: q.clock(), Inbound: true})
}

// RecordOperatorReply notes an outbound reply by the holding operator.
func (q *Queue) RecordOperatorReply(ctx context.Context, conversationID, operatorID string) error {
	c, err := q.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if c.AssignedOperatorID != operatorID {
		return ErrNotAssignedToOperator
	}
	return q.store.RecordActivity(ctx, conversationID, Activity{At: q.clock()})
}

// MarkEscalated records an escalation; false means it was already recorded.
func (q *Queue) MarkEscalated(ctx context.Context, conversationID, reason string, anchor time.Time) (bool, error) {
	return q.store.MarkEscalated(ctx, conversationID, reason, anchor)
}
