package intent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store using database/sql on Postgres or SQLite.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS message_intents (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	purpose TEXT NOT NULL,
	message_type TEXT NOT NULL,
	target_kind TEXT NOT NULL,
	target_value TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	pinned_instance_id TEXT,
	decided_by_instance_id TEXT,
	blocked_reason TEXT,
	queued_until TIMESTAMP,
	queued_reason TEXT,
	requeue_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	decided_at TIMESTAMP,
	version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_intents_org ON message_intents(organization_id, created_at);
CREATE INDEX IF NOT EXISTS idx_message_intents_queued ON message_intents(status, queued_until);
`

// Init creates the message_intents table.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const intentColumns = `id, organization_id, purpose, message_type, target_kind, target_value, payload,
	payload_hash, status, pinned_instance_id, decided_by_instance_id, blocked_reason, queued_until,
	queued_reason, requeue_count, created_at, updated_at, decided_at, version`

func (s *SQLStore) Create(ctx context.Context, m *MessageIntent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, m.ID, m.OrganizationID, m.Purpose, m.Type, m.Target.Kind, m.Target.Value, string(m.Payload),
		m.PayloadHash, m.Status, nullString(m.PinnedInstanceID), nullString(m.DecidedByInstanceID),
		nullString(m.BlockedReason), nullTime(m.QueuedUntil), nullString(m.QueuedReason), m.RequeueCount,
		m.CreatedAt, m.UpdatedAt, nullTime(m.DecidedAt), m.Version)
	if err != nil {
		return fmt.Errorf("intent: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*MessageIntent, error) {
	m, err := scanIntent(s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM message_intents WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*MessageIntent, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("organization_id", f.OrganizationID)
	add("status", string(f.Status))
	add("purpose", string(f.Purpose))
	add("decided_by_instance_id", f.InstanceID)

	query := `SELECT ` + intentColumns + ` FROM message_intents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.query(ctx, query, args...)
}

func (s *SQLStore) ListDueQueued(ctx context.Context, now time.Time, limit int) ([]*MessageIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT `+intentColumns+` FROM message_intents
		WHERE status = 'QUEUED' AND queued_until <= $1
		ORDER BY queued_until, id
		LIMIT $2
	`, now, limit)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*MessageIntent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("intent: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MessageIntent
	for rows.Next() {
		m, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) Update(ctx context.Context, m *MessageIntent, expectedStatus Status, expectedVersion int64) error {
	if err := checkTransition(expectedStatus, m.Status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_intents SET
			status = $1, decided_by_instance_id = $2, blocked_reason = $3, queued_until = $4,
			queued_reason = $5, requeue_count = $6, updated_at = $7, decided_at = $8, version = $9
		WHERE id = $10 AND status = $11 AND version = $12
	`, m.Status, nullString(m.DecidedByInstanceID), nullString(m.BlockedReason), nullTime(m.QueuedUntil),
		nullString(m.QueuedReason), m.RequeueCount, m.UpdatedAt, nullTime(m.DecidedAt), m.Version,
		m.ID, expectedStatus, expectedVersion)
	if err != nil {
		return fmt.Errorf("intent: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("intent: rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(row scanner) (*MessageIntent, error) {
	var (
		m                                  MessageIntent
		payload                            string
		pinned, decidedBy, blocked, reason sql.NullString
		queuedUntil, decidedAt             sql.NullTime
	)
	err := row.Scan(&m.ID, &m.OrganizationID, &m.Purpose, &m.Type, &m.Target.Kind, &m.Target.Value, &payload,
		&m.PayloadHash, &m.Status, &pinned, &decidedBy, &blocked, &queuedUntil, &reason, &m.RequeueCount,
		&m.CreatedAt, &m.UpdatedAt, &decidedAt, &m.Version)
	if err != nil {
		return nil, err
	}
	m.Payload = []byte(payload)
	m.PinnedInstanceID = pinned.String
	m.DecidedByInstanceID = decidedBy.String
	m.BlockedReason = blocked.String
	m.QueuedReason = reason.String
	if queuedUntil.Valid {
		t := queuedUntil.Time
		m.QueuedUntil = &t
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		m.DecidedAt = &t
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
