package jobs

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
CREATE TABLE IF NOT EXISTS execution_jobs (
	id TEXT PRIMARY KEY,
	intent_id TEXT NOT NULL UNIQUE,
	organization_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	target_kind TEXT NOT NULL,
	target_value TEXT NOT NULL,
	message_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	provider_message_id TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	executed_at TIMESTAMP,
	next_attempt_at TIMESTAMP,
	version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_jobs_due ON execution_jobs(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_execution_jobs_instance ON execution_jobs(instance_id, status);
`

// Init creates the execution_jobs table.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const jobColumns = `id, intent_id, organization_id, instance_id, provider, target_kind, target_value,
	message_type, payload, status, attempts, last_error, provider_message_id, created_at, updated_at,
	executed_at, next_attempt_at, version`

func (s *SQLStore) Create(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, j.ID, j.IntentID, j.OrganizationID, j.InstanceID, j.Provider, j.Target.Kind, j.Target.Value,
		j.Type, string(j.Payload), j.Status, j.Attempts, j.LastError, j.ProviderMessageID, j.CreatedAt,
		j.UpdatedAt, nullTime(j.ExecutedAt), nullTime(j.NextAttemptAt), j.Version)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return ErrDuplicateIntent
		}
		return fmt.Errorf("jobs: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM execution_jobs WHERE id = $1`, id)
}

func (s *SQLStore) GetByIntent(ctx context.Context, intentID string) (*Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM execution_jobs WHERE intent_id = $1`, intentID)
}

func (s *SQLStore) getOne(ctx context.Context, query string, arg string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *SQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM execution_jobs
		WHERE status = 'PENDING' OR (status = 'RETRY' AND next_attempt_at <= $1)
		ORDER BY COALESCE(next_attempt_at, created_at), id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("jobs: list due: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLStore) OpenLoad(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM execution_jobs
		WHERE instance_id = $1 AND status IN ('PENDING', 'PROCESSING', 'RETRY')
	`, instanceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("jobs: open load: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Update(ctx context.Context, j *Job, expectedStatus Status, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_jobs SET
			status = $1, attempts = $2, last_error = $3, provider_message_id = $4, updated_at = $5,
			executed_at = $6, next_attempt_at = $7, version = $8
		WHERE id = $9 AND status = $10 AND version = $11
	`, j.Status, j.Attempts, j.LastError, j.ProviderMessageID, j.UpdatedAt, nullTime(j.ExecutedAt),
		nullTime(j.NextAttemptAt), j.Version, j.ID, expectedStatus, expectedVersion)
	if err != nil {
		return fmt.Errorf("jobs: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobs: rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j                     Job
		payload               string
		lastErr, providerID   sql.NullString
		executedAt, nextAtmpt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.IntentID, &j.OrganizationID, &j.InstanceID, &j.Provider, &j.Target.Kind,
		&j.Target.Value, &j.Type, &payload, &j.Status, &j.Attempts, &lastErr, &providerID, &j.CreatedAt,
		&j.UpdatedAt, &executedAt, &nextAtmpt, &j.Version)
	if err != nil {
		return nil, err
	}
	j.Payload = []byte(payload)
	j.LastError = lastErr.String
	j.ProviderMessageID = providerID.String
	if executedAt.Valid {
		t := executedAt.Time
		j.ExecutedAt = &t
	}
	if nextAtmpt.Valid {
		t := nextAtmpt.Time
		j.NextAttemptAt = &t
	}
	return &j, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
