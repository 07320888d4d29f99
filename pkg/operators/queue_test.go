package operators

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLStore(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, q *Queue, s Store)) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			fn(t, NewQueue(s).WithClock(clock), s)
		})
	}
}

func addOperator(t *testing.T, q *Queue, name string, max int) *Operator {
	t.Helper()
	op, err := q.AddOperator(context.Background(), NewOperator{
		OrganizationID: "org-1", UserID: "u-" + name, Name: name, MaxConcurrentConversations: max, Status: StatusOnline,
	})
	require.NoError(t, err)
	return op
}

func openConversation(t *testing.T, q *Queue, contact string) *Conversation {
	t.Helper()
	c, err := q.OpenConversation(context.Background(), NewConversation{OrganizationID: "org-1", InstanceID: "i-1", ContactID: contact})
	require.NoError(t, err)
	return c
}

// assertCounts checks that every operator's count equals its assignments.
func assertCounts(t *testing.T, q *Queue) {
	t.Helper()
	ctx := context.Background()
	ops, err := q.Operators(ctx, "")
	require.NoError(t, err)
	convs, err := q.Conversations(ctx, ConversationFilter{})
	require.NoError(t, err)
	held := map[string]int{}
	for _, c := range convs {
		if c.Assigned() {
			held[c.AssignedOperatorID]++
		}
	}
	for _, op := range ops {
		assert.Equal(t, held[op.ID], op.CurrentConversationCount, "operator %s", op.Name)
		assert.LessOrEqual(t, op.CurrentConversationCount, op.MaxConcurrentConversations)
		assert.GreaterOrEqual(t, op.CurrentConversationCount, 0)
	}
}

func TestQueue_CapacityScenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, s Store) {
		ctx := context.Background()
		op := addOperator(t, q, "ana", 1)
		first := openConversation(t, q, "+5511000000001")
		second := openConversation(t, q, "+5511000000002")

		got, err := q.Claim(ctx, first.ID, op.ID)
		require.NoError(t, err)
		assert.Equal(t, op.ID, got.AssignedOperatorID)
		require.NotNil(t, got.AssignedAt)

		_, err = q.Claim(ctx, second.ID, op.ID)
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assertCounts(t, q)

		_, err = q.Release(ctx, first.ID, op.ID)
		require.NoError(t, err)
		_, err = q.Claim(ctx, second.ID, op.ID)
		require.NoError(t, err)
		assertCounts(t, q)

		queued, err := q.Unassigned(ctx, "i-1")
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, first.ID, queued[0].ID)
	})
}

func TestQueue_ClaimRules(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, s Store) {
		ctx := context.Background()
		ana := addOperator(t, q, "ana", 2)
		bia := addOperator(t, q, "bia", 2)
		c := openConversation(t, q, "+5511000000001")

		_, err := q.Claim(ctx, c.ID, ana.ID)
		require.NoError(t, err)
		// Re-claiming by the holder is a no-op.
		_, err = q.Claim(ctx, c.ID, ana.ID)
		require.NoError(t, err)
		_, err = q.Claim(ctx, c.ID, bia.ID)
		assert.ErrorIs(t, err, ErrAlreadyAssigned)
		_, err = q.Claim(ctx, "missing", ana.ID)
		assert.ErrorIs(t, err, ErrConversationNotFound)

		_, err = q.Release(ctx, c.ID, bia.ID)
		assert.ErrorIs(t, err, ErrNotAssignedToOperator)

		got, err := q.Operator(ctx, ana.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.CurrentConversationCount)
		assertCounts(t, q)
	})
}

func TestQueue_Transfer(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, s Store) {
		ctx := context.Background()
		ana := addOperator(t, q, "ana", 2)
		bia := addOperator(t, q, "bia", 1)
		c1 := openConversation(t, q, "+5511000000001")
		c2 := openConversation(t, q, "+5511000000002")
		c3 := openConversation(t, q, "+5511000000003")

		_, err := q.Claim(ctx, c1.ID, ana.ID)
		require.NoError(t, err)
		_, err = q.Claim(ctx, c2.ID, ana.ID)
		require.NoError(t, err)

		got, err := q.Transfer(ctx, c1.ID, ana.ID, bia.ID)
		require.NoError(t, err)
		assert.Equal(t, bia.ID, got.AssignedOperatorID)

		// bia is full now.
		_, err = q.Transfer(ctx, c2.ID, ana.ID, bia.ID)
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		still, err := q.Conversation(ctx, c2.ID)
		require.NoError(t, err)
		assert.Equal(t, ana.ID, still.AssignedOperatorID)

		_, err = q.Transfer(ctx, c3.ID, ana.ID, bia.ID)
		assert.ErrorIs(t, err, ErrNotAssignedToOperator)
		_, err = q.Transfer(ctx, c2.ID, ana.ID, "ghost")
		assert.ErrorIs(t, err, ErrOperatorNotFound)
		assertCounts(t, q)
	})
}

func TestQueue_RequeueAndClose(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, s Store) {
		ctx := context.Background()
		ana := addOperator(t, q, "ana", 2)
		c1 := openConversation(t, q, "+5511000000001")
		c2 := openConversation(t, q, "+5511000000002")
		_, err := q.Claim(ctx, c1.ID, ana.ID)
		require.NoError(t, err)
		_, err = q.Claim(ctx, c2.ID, ana.ID)
		require.NoError(t, err)

		prev, err := q.Requeue(ctx, c1.ID)
		require.NoError(t, err)
		assert.Equal(t, ana.ID, prev)
		prev, err = q.Requeue(ctx, c1.ID)
		require.NoError(t, err)
		assert.Empty(t, prev)

		require.NoError(t, q.Close(ctx, c2.ID))
		closed, err := q.Conversation(ctx, c2.ID)
		require.NoError(t, err)
		assert.Equal(t, ConversationClosed, closed.Status)
		assert.False(t, closed.Assigned())

		open, err := q.Conversations(ctx, ConversationFilter{OpenOnly: true})
		require.NoError(t, err)
		assert.Len(t, open, 1)
		assertCounts(t, q)
	})
}

func TestQueue_ClosedConversationCannotBeClaimed(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, s Store) {
		ctx := context.Background()
		ana := addOperator(t, q, "ana", 1)
		c := openConversation(t, q, "+5511000000009")
		require.NoError(t, q.Close(ctx, c.ID))

		_, err := q.Claim(ctx, c.ID, ana.ID)
		assert.ErrorIs(t, err, ErrConversationClosed)

		op, err := q.Operator(ctx, ana.ID)
		require.NoError(t, err)
		assert.Zero(t, op.CurrentConversationCount)

		// Capacity is still available for open work.
		other := openConversation(t, q, "+5511000000010")
		_, err = q.Claim(ctx, other.ID, ana.ID)
		require.NoError(t, err)
		assertCounts(t, q)
	})
}

func TestQueue_ActivityAndEscalationMarks(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, s Store) {
		ctx := context.Background()
		ana := addOperator(t, q, "ana", 1)
		c := openConversation(t, q, "+5511000000001")

		require.NoError(t, q.RecordInbound(ctx, c.ID))
		require.NoError(t, q.RecordInbound(ctx, c.ID))
		got, err := q.Conversation(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.UnreadCount)
		require.NotNil(t, got.LastInboundAt)

		assert.ErrorIs(t, q.RecordOperatorReply(ctx, c.ID, ana.ID), ErrNotAssignedToOperator)
		_, err = q.Claim(ctx, c.ID, ana.ID)
		require.NoError(t, err)
		require.NoError(t, q.RecordOperatorReply(ctx, c.ID, ana.ID))
		got, err = q.Conversation(ctx, c.ID)
		require.NoError(t, err)
		assert.Zero(t, got.UnreadCount)
		require.NotNil(t, got.LastReplyAt)

		anchor := got.LastMessageAt
		first, err := q.MarkEscalated(ctx, c.ID, "SLA_BREACH", anchor)
		require.NoError(t, err)
		assert.True(t, first)
		again, err := q.MarkEscalated(ctx, c.ID, "SLA_BREACH", anchor)
		require.NoError(t, err)
		assert.False(t, again)
		other, err := q.MarkEscalated(ctx, c.ID, "NO_RESPONSE", anchor)
		require.NoError(t, err)
		assert.True(t, other)

		_, err = q.MarkEscalated(ctx, "missing", "SLA_BREACH", anchor)
		assert.ErrorIs(t, err, ErrConversationNotFound)
	})
}

func TestQueue_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, s Store) {
		ctx := context.Background()
		c := openConversation(t, q, "+5511000000001")
		var ops []*Operator
		for i := 0; i < 8; i++ {
			ops = append(ops, addOperator(t, q, fmt.Sprintf("op-%d", i), 1))
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			conflict int
		)
		for _, op := range ops {
			wg.Add(1)
			go func(opID string) {
				defer wg.Done()
				_, err := q.Claim(ctx, c.ID, opID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrAlreadyAssigned):
					conflict++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(op.ID)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, len(ops)-1, conflict)
		assertCounts(t, q)
	})
}

func TestQueue_ConcurrentClaimsRespectCapacity(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, s Store) {
		ctx := context.Background()
		op := addOperator(t, q, "ana", 3)
		var convs []*Conversation
		for i := 0; i < 10; i++ {
			convs = append(convs, openConversation(t, q, fmt.Sprintf("+55110000000%02d", i)))
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for _, c := range convs {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := q.Claim(ctx, id, op.ID)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, ErrCapacityExceeded) {
					t.Errorf("unexpected error: %v", err)
				}
			}(c.ID)
		}
		wg.Wait()
		assert.Equal(t, 3, wins)
		assertCounts(t, q)
	})
}

func TestQueue_AddOperatorValidation(t *testing.T) {
	q := NewQueue(NewMemoryStore())
	_, err := q.AddOperator(context.Background(), NewOperator{OrganizationID: "org", Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidOperator)
	_, err = q.AddOperator(context.Background(), NewOperator{OrganizationID: "org", Name: "x", MaxConcurrentConversations: 1, Status: "BUSY"})
	assert.ErrorIs(t, err, ErrInvalidOperator)

	op, err := q.AddOperator(context.Background(), NewOperator{OrganizationID: "org", Name: "x", MaxConcurrentConversations: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, op.Status)
	require.NoError(t, q.SetStatus(context.Background(), op.ID, StatusAway))
	assert.ErrorIs(t, q.SetStatus(context.Background(), "ghost", StatusAway), ErrOperatorNotFound)
}
