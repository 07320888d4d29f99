package operators

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store using database/sql on Postgres or SQLite. Each
// ownership change runs in one transaction of conditional updates, so a lost
// race affects zero rows and rolls back.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS operators (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	max_concurrent_conversations INTEGER NOT NULL CHECK (max_concurrent_conversations > 0),
	current_conversation_count INTEGER NOT NULL DEFAULT 0
		CHECK (current_conversation_count >= 0 AND current_conversation_count <= max_concurrent_conversations),
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	status TEXT NOT NULL,
	assigned_operator_id TEXT,
	assigned_at TIMESTAMP,
	unread_count INTEGER NOT NULL DEFAULT 0,
	last_message_at TIMESTAMP NOT NULL,
	last_inbound_at TIMESTAMP,
	last_reply_at TIMESTAMP,
	escalation_reason TEXT,
	escalation_anchor TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_instance ON conversations(instance_id, assigned_operator_id);
CREATE INDEX IF NOT EXISTS idx_conversations_operator ON conversations(assigned_operator_id);
`

// Init creates the operators and conversations tables.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const operatorColumns = `id, organization_id, user_id, name, status, max_concurrent_conversations,
	current_conversation_count, created_at, updated_at`

const conversationColumns = `id, organization_id, instance_id, contact_id, status, assigned_operator_id,
	assigned_at, unread_count, last_message_at, last_inbound_at, last_reply_at, escalation_reason,
	escalation_anchor, created_at, updated_at`

func (s *SQLStore) CreateOperator(ctx context.Context, op *Operator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (`+operatorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, op.ID, op.OrganizationID, op.UserID, op.Name, op.Status, op.MaxConcurrentConversations,
		op.CurrentConversationCount, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("operators: insert operator: %w", err)
	}
	return nil
}

func (s *SQLStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	op, err := scanOperator(s.db.QueryRowContext(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperatorNotFound
	}
	return op, err
}

func (s *SQLStore) ListOperators(ctx context.Context, orgID string) ([]*Operator, error) {
	query := `SELECT ` + operatorColumns + ` FROM operators`
	var args []any
	if orgID != "" {
		query += ` WHERE organization_id = $1`
		args = append(args, orgID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("operators: list operators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetOperatorStatus(ctx context.Context, id string, status Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE operators SET status = $1, updated_at = $2 WHERE id = $3`, status, at, id)
	if err != nil {
		return fmt.Errorf("operators: set status: %w", err)
	}
	return expectOne(res, ErrOperatorNotFound)
}

func (s *SQLStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.Assigned() {
		return fmt.Errorf("operators: new conversation %s must be unassigned", c.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULL, NULL, $6, $7, $8, $9, NULL, NULL, $10, $11)
	`, c.ID, c.OrganizationID, c.InstanceID, c.ContactID, c.Status, c.UnreadCount, c.LastMessageAt,
		nullTime(c.LastInboundAt), nullTime(c.LastReplyAt), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("operators: insert conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getConversation(ctx context.Context, q queryRower, id string) (*Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

func (s *SQLStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	var (
		where []string
		args  []any
	)
	if f.OrganizationID != "" {
		args = append(args, f.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if f.InstanceID != "" {
		args = append(args, f.InstanceID)
		where = append(where, fmt.Sprintf("instance_id = $%d", len(args)))
	}
	if f.OpenOnly {
		where = append(where, "status = 'OPEN'")
	}
	if f.UnassignedOnly {
		where = append(where, "assigned_operator_id IS NULL")
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY last_message_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("operators: list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordActivity(ctx context.Context, id string, a Activity) error {
	var (
		res sql.Result
		err error
	)
	if a.Inbound {
		res, err = s.db.ExecContext(ctx, `
			UPDATE conversations SET last_message_at = $1, last_inbound_at = $1, unread_count = unread_count + 1,
				updated_at = $1
			WHERE id = $2
		`, a.At, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE conversations SET last_message_at = $1, last_reply_at = $1, unread_count = 0, updated_at = $1
			WHERE id = $2
		`, a.At, id)
	}
	if err != nil {
		return fmt.Errorf("operators: record activity: %w", err)
	}
	return expectOne(res, ErrConversationNotFound)
}

func (s *SQLStore) MarkEscalated(ctx context.Context, id, reason string, anchor time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET escalation_reason = $1, escalation_anchor = $2
		WHERE id = $3 AND (escalation_reason IS NULL OR escalation_anchor IS NULL
			OR escalation_reason <> $1 OR escalation_anchor <> $2)
	`, reason, anchor, id)
	if err != nil {
		return false, fmt.Errorf("operators: mark escalated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetConversation(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("operators: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// reserve takes one unit of an operator's capacity.
func reserve(ctx context.Context, tx *sql.Tx, operatorID string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE operators SET current_conversation_count = current_conversation_count + 1, updated_at = $1
		WHERE id = $2 AND current_conversation_count < max_concurrent_conversations
	`, at, operatorID)
	if err != nil {
		return fmt.Errorf("operators: reserve capacity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM operators WHERE id = $1`, operatorID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOperatorNotFound
	}
	if err != nil {
		return err
	}
	return ErrCapacityExceeded
}

// free returns one unit of an operator's capacity.
func free(ctx context.Context, tx *sql.Tx, operatorID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE operators SET current_conversation_count = current_conversation_count - 1, updated_at = $1
		WHERE id = $2 AND current_conversation_count > 0
	`, at, operatorID)
	if err != nil {
		return fmt.Errorf("operators: free capacity: %w", err)
	}
	return nil
}

// holder reads the current owner of a conversation inside tx.
func holder(ctx context.Context, tx *sql.Tx, conversationID string) (string, error) {
	var owner sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT assigned_operator_id FROM conversations WHERE id = $1`, conversationID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrConversationNotFound
	}
	return owner.String, err
}

// claimState reads the owner and status of a conversation inside tx.
func claimState(ctx context.Context, tx *sql.Tx, conversationID string) (string, ConversationStatus, error) {
	var (
		owner  sql.NullString
		status ConversationStatus
	)
	err := tx.QueryRowContext(ctx, `SELECT assigned_operator_id, status FROM conversations WHERE id = $1`, conversationID).Scan(&owner, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrConversationNotFound
	}
	return owner.String, status, err
}

func (s *SQLStore) Claim(ctx context.Context, conversationID, operatorID string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET assigned_operator_id = $1, assigned_at = $2, updated_at = $2
			WHERE id = $3 AND assigned_operator_id IS NULL AND status = $4
		`, operatorID, at, conversationID, ConversationOpen)
		if err != nil {
			return fmt.Errorf("operators: claim: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			owner, status, err := claimState(ctx, tx, conversationID)
			switch {
			case err != nil:
				return err
			case status != ConversationOpen:
				return ErrConversationClosed
			case owner == operatorID:
				return nil
			default:
				return ErrAlreadyAssigned
			}
		}
		return reserve(ctx, tx, operatorID, at)
	})
}

func (s *SQLStore) Release(ctx context.Context, conversationID, operatorID string, at time.Time) error {
	if operatorID == "" {
		return ErrNotAssignedToOperator
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET assigned_operator_id = NULL, assigned_at = NULL, updated_at = $1
			WHERE id = $2 AND assigned_operator_id = $3
		`, at, conversationID, operatorID)
		if err != nil {
			return fmt.Errorf("operators: release: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := holder(ctx, tx, conversationID); err != nil {
				return err
			}
			return ErrNotAssignedToOperator
		}
		return free(ctx, tx, operatorID, at)
	})
}

func (s *SQLStore) Transfer(ctx context.Context, conversationID, fromOperatorID, toOperatorID string, at time.Time) error {
	if fromOperatorID == "" {
		return ErrNotAssignedToOperator
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		owner, err := holder(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if owner != fromOperatorID {
			return ErrNotAssignedToOperator
		}
		if fromOperatorID == toOperatorID {
			return nil
		}
		if err := reserve(ctx, tx, toOperatorID, at); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET assigned_operator_id = $1, assigned_at = $2, updated_at = $2
			WHERE id = $3 AND assigned_operator_id = $4
		`, toOperatorID, at, conversationID, fromOperatorID)
		if err != nil {
			return fmt.Errorf("operators: transfer: %w", err)
		}
		if err := expectOne(res, ErrNotAssignedToOperator); err != nil {
			return err
		}
		return free(ctx, tx, fromOperatorID, at)
	})
}

func (s *SQLStore) Requeue(ctx context.Context, conversationID string, at time.Time) (string, error) {
	var prev string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		owner, err := holder(ctx, tx, conversationID)
		if err != nil || owner == "" {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET assigned_operator_id = NULL, assigned_at = NULL, updated_at = $1
			WHERE id = $2 AND assigned_operator_id = $3
		`, at, conversationID, owner)
		if err != nil {
			return fmt.Errorf("operators: requeue: %w", err)
		}
		if err := expectOne(res, ErrNotAssignedToOperator); err != nil {
			return err
		}
		prev = owner
		return free(ctx, tx, owner, at)
	})
	return prev, err
}

func (s *SQLStore) CloseConversation(ctx context.Context, id string, at time.Time) error {
	if _, err := s.Requeue(ctx, id, at); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = $1, updated_at = $2 WHERE id = $3`,
		ConversationClosed, at, id)
	if err != nil {
		return fmt.Errorf("operators: close: %w", err)
	}
	return expectOne(res, ErrConversationNotFound)
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("operators: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperator(row scanner) (*Operator, error) {
	var op Operator
	err := row.Scan(&op.ID, &op.OrganizationID, &op.UserID, &op.Name, &op.Status, &op.MaxConcurrentConversations,
		&op.CurrentConversationCount, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		c                                      Conversation
		owner, reason                          sql.NullString
		assignedAt, inbound, reply, escalation sql.NullTime
	)
	err := row.Scan(&c.ID, &c.OrganizationID, &c.InstanceID, &c.ContactID, &c.Status, &owner, &assignedAt,
		&c.UnreadCount, &c.LastMessageAt, &inbound, &reply, &reason, &escalation, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.AssignedOperatorID = owner.String
	c.EscalationReason = reason.String
	c.AssignedAt = timePtr(assignedAt)
	c.LastInboundAt = timePtr(inbound)
	c.LastReplyAt = timePtr(reply)
	c.EscalationAnchor = timePtr(escalation)
	return &c, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
