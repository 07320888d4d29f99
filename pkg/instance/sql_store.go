package instance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements Store using database/sql.
// The queries run unchanged on Postgres (lib/pq) and SQLite (modernc.org/sqlite).
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	masked_phone TEXT,
	engine TEXT NOT NULL,
	purpose TEXT NOT NULL,
	lifecycle_status TEXT NOT NULL,
	connection_status TEXT NOT NULL,
	reputation_score INTEGER NOT NULL,
	alerts TEXT,
	warm_up_phase TEXT,
	warm_up_started_at TIMESTAMP,
	cooldown_reason TEXT,
	cooldown_until TIMESTAMP,
	ban_reason TEXT,
	last_evaluated_at TIMESTAMP,
	version INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_org ON instances(organization_id);
`

// Init creates the instances table.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const selectColumns = `id, organization_id, display_name, masked_phone, engine, purpose, lifecycle_status,
	connection_status, reputation_score, alerts, warm_up_phase, warm_up_started_at, cooldown_reason,
	cooldown_until, ban_reason, last_evaluated_at, version, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, inst *Instance) error {
	alerts, err := json.Marshal(inst.Alerts)
	if err != nil {
		return fmt.Errorf("instance: marshal alerts: %w", err)
	}
	query := `
		INSERT INTO instances (` + selectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = s.db.ExecContext(ctx, query,
		inst.ID, inst.OrganizationID, inst.DisplayName, inst.MaskedPhone, inst.Engine, inst.Purpose,
		inst.LifecycleStatus, inst.ConnectionStatus, inst.ReputationScore, string(alerts), inst.WarmUpPhase,
		inst.WarmUpStartedAt, inst.CooldownReason, nullTime(inst.CooldownUntil), inst.BanReason,
		nullTime(inst.LastEvaluatedAt), inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("instance: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

func (s *SQLStore) List(ctx context.Context, orgID string) ([]*Instance, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if orgID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM instances ORDER BY id`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM instances WHERE organization_id = $1 ORDER BY id`, orgID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM instances WHERE lifecycle_status IN ('ACTIVE', 'COOLDOWN') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) Update(ctx context.Context, inst *Instance, expectedVersion int64) error {
	alerts, err := json.Marshal(inst.Alerts)
	if err != nil {
		return fmt.Errorf("instance: marshal alerts: %w", err)
	}
	query := `
		UPDATE instances SET
			display_name = $1, masked_phone = $2, purpose = $3, lifecycle_status = $4, connection_status = $5,
			reputation_score = $6, alerts = $7, warm_up_phase = $8, warm_up_started_at = $9,
			cooldown_reason = $10, cooldown_until = $11, ban_reason = $12, last_evaluated_at = $13,
			version = $14, updated_at = $15
		WHERE id = $16 AND version = $17
	`
	res, err := s.db.ExecContext(ctx, query,
		inst.DisplayName, inst.MaskedPhone, inst.Purpose, inst.LifecycleStatus, inst.ConnectionStatus,
		inst.ReputationScore, string(alerts), inst.WarmUpPhase, inst.WarmUpStartedAt,
		inst.CooldownReason, nullTime(inst.CooldownUntil), inst.BanReason, nullTime(inst.LastEvaluatedAt),
		inst.Version, inst.UpdatedAt, inst.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("instance: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("instance: rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*Instance, error) {
	var (
		inst                    Instance
		maskedPhone, alertsJSON sql.NullString
		phase, cooldown, ban    sql.NullString
		warmUpStarted           sql.NullTime
		cooldownUntil, lastEval sql.NullTime
	)
	err := row.Scan(
		&inst.ID, &inst.OrganizationID, &inst.DisplayName, &maskedPhone, &inst.Engine, &inst.Purpose,
		&inst.LifecycleStatus, &inst.ConnectionStatus, &inst.ReputationScore, &alertsJSON, &phase,
		&warmUpStarted, &cooldown, &cooldownUntil, &ban, &lastEval, &inst.Version, &inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.MaskedPhone = maskedPhone.String
	inst.WarmUpPhase = phase.String
	inst.CooldownReason = cooldown.String
	inst.BanReason = ban.String
	if warmUpStarted.Valid {
		inst.WarmUpStartedAt = warmUpStarted.Time
	}
	if cooldownUntil.Valid {
		t := cooldownUntil.Time
		inst.CooldownUntil = &t
	}
	if lastEval.Valid {
		t := lastEval.Time
		inst.LastEvaluatedAt = &t
	}
	if alertsJSON.Valid && alertsJSON.String != "" && alertsJSON.String != "null" {
		if err := json.Unmarshal([]byte(alertsJSON.String), &inst.Alerts); err != nil {
			return nil, fmt.Errorf("instance %s: corrupt alerts JSON: %w", inst.ID, err)
		}
	}
	return &inst, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
