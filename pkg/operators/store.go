package operators

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists operators and conversations. Claim, Release, Transfer and
// Requeue change a conversation's owner and the operators' counts atomically.
type Store interface {
	CreateOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, id string) (*Operator, error)
	ListOperators(ctx context.Context, orgID string) ([]*Operator, error)
	SetOperatorStatus(ctx context.Context, id string, status Status, at time.Time) error

	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error)
	CloseConversation(ctx context.Context, id string, at time.Time) error
	RecordActivity(ctx context.Context, id string, a Activity) error
	// MarkEscalated records (reason, anchor) and reports false when the
	// conversation already carries exactly that escalation.
	MarkEscalated(ctx context.Context, id, reason string, anchor time.Time) (bool, error)

	Claim(ctx context.Context, conversationID, operatorID string, at time.Time) error
	Release(ctx context.Context, conversationID, operatorID string, at time.Time) error
	Transfer(ctx context.Context, conversationID, fromOperatorID, toOperatorID string, at time.Time) error
	// Requeue unassigns the conversation from whoever holds it and returns
	// that operator's id, or "" when it was already queued.
	Requeue(ctx context.Context, conversationID string, at time.Time) (string, error)
}

// MemoryStore implements Store in memory. One mutex covers both maps, so
// every ownership change is atomic with its count changes.
type MemoryStore struct {
	mu            sync.Mutex
	operators     map[string]*Operator
	conversations map[string]*Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		operators:     make(map[string]*Operator),
		conversations: make(map[string]*Conversation),
	}
}

func (s *MemoryStore) CreateOperator(ctx context.Context, op *Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operators[op.ID]; ok {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidOperator, op.ID)
	}
	cp := *op
	s.operators[op.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return nil, ErrOperatorNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *MemoryStore) ListOperators(ctx context.Context, orgID string) ([]*Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Operator
	for _, op := range s.operators {
		if orgID == "" || op.OrganizationID == orgID {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *MemoryStore) SetOperatorStatus(ctx context.Context, id string, status Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return ErrOperatorNotFound
	}
	op.Status = status
	op.UpdatedAt = at
	return nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return fmt.Errorf("operators: duplicate conversation %s", c.ID)
	}
	if c.Assigned() {
		return fmt.Errorf("operators: new conversation %s must be unassigned", c.ID)
	}
	s.conversations[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conversation
	for _, c := range s.conversations {
		if f.matches(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].LastMessageAt.Equal(out[b].LastMessageAt) {
			return out[a].LastMessageAt.Before(out[b].LastMessageAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (s *MemoryStore) CloseConversation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	s.unassignLocked(c, at)
	c.Status = ConversationClosed
	c.UpdatedAt = at
	return nil
}

func (s *MemoryStore) RecordActivity(ctx context.Context, id string, a Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	at := a.At
	c.LastMessageAt = at
	c.UpdatedAt = at
	if a.Inbound {
		c.LastInboundAt = &at
		c.UnreadCount++
	} else {
		c.LastReplyAt = &at
		c.UnreadCount = 0
	}
	return nil
}

func (s *MemoryStore) MarkEscalated(ctx context.Context, id, reason string, anchor time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return false, ErrConversationNotFound
	}
	if c.EscalationReason == reason && c.EscalationAnchor != nil && c.EscalationAnchor.Equal(anchor) {
		return false, nil
	}
	c.EscalationReason = reason
	c.EscalationAnchor = &anchor
	return true, nil
}

func (s *MemoryStore) Claim(ctx context.Context, conversationID, operatorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	op, ok := s.operators[operatorID]
	if !ok {
		return ErrOperatorNotFound
	}
	switch {
	case c.Status != ConversationOpen:
		return ErrConversationClosed
	case c.AssignedOperatorID == operatorID:
		return nil
	case c.Assigned():
		return ErrAlreadyAssigned
	case !op.HasCapacity():
		return ErrCapacityExceeded
	}
	c.AssignedOperatorID = operatorID
	c.AssignedAt = &at
	c.UpdatedAt = at
	op.CurrentConversationCount++
	op.UpdatedAt = at
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, conversationID, operatorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if c.AssignedOperatorID != operatorID || operatorID == "" {
		return ErrNotAssignedToOperator
	}
	s.unassignLocked(c, at)
	return nil
}

func (s *MemoryStore) Transfer(ctx context.Context, conversationID, fromOperatorID, toOperatorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if c.AssignedOperatorID != fromOperatorID || fromOperatorID == "" {
		return ErrNotAssignedToOperator
	}
	to, ok := s.operators[toOperatorID]
	if !ok {
		return ErrOperatorNotFound
	}
	if fromOperatorID == toOperatorID {
		return nil
	}
	if !to.HasCapacity() {
		return ErrCapacityExceeded
	}
	if from, ok := s.operators[fromOperatorID]; ok && from.CurrentConversationCount > 0 {
		from.CurrentConversationCount--
		from.UpdatedAt = at
	}
	to.CurrentConversationCount++
	to.UpdatedAt = at
	c.AssignedOperatorID = toOperatorID
	c.AssignedAt = &at
	c.UpdatedAt = at
	return nil
}

func (s *MemoryStore) Requeue(ctx context.Context, conversationID string, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return "", ErrConversationNotFound
	}
	prev := c.AssignedOperatorID
	s.unassignLocked(c, at)
	return prev, nil
}

func (s *MemoryStore) unassignLocked(c *Conversation, at time.Time) {
	if !c.Assigned() {
		return
	}
	if op, ok := s.operators[c.AssignedOperatorID]; ok && op.CurrentConversationCount > 0 {
		op.CurrentConversationCount--
		op.UpdatedAt = at
	}
	c.AssignedOperatorID = ""
	c.AssignedAt = nil
	c.UpdatedAt = at
}
