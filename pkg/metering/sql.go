package metering

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLMeter implements Meter on the execution_events table.
// The queries run unchanged on Postgres and SQLite.
type SQLMeter struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLMeter creates a SQL-backed meter.
func NewSQLMeter(db *sql.DB) *SQLMeter {
	return &SQLMeter{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *SQLMeter) WithClock(clock func() time.Time) *SQLMeter {
	m.clock = clock
	return m
}

const schema = `
CREATE TABLE IF NOT EXISTS execution_events (
	kind TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	job_id TEXT,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_events_org_time ON execution_events(organization_id, timestamp);
`

// Init creates the necessary database tables.
func (m *SQLMeter) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

func (m *SQLMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock().UTC()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO execution_events (kind, organization_id, instance_id, job_id, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, event.Kind, event.OrganizationID, event.InstanceID, event.JobID, event.Timestamp)
	if err != nil {
		return fmt.Errorf("metering: failed to record event: %w", err)
	}
	return nil
}

func (m *SQLMeter) Snapshot(ctx context.Context, orgID string, window time.Duration) (*Snapshot, error) {
	to := m.clock().UTC()
	from := to.Add(-window)

	rows, err := m.db.QueryContext(ctx, `
		SELECT instance_id, kind, COUNT(*)
		FROM execution_events
		WHERE organization_id = $1 AND timestamp >= $2 AND timestamp <= $3
		GROUP BY instance_id, kind
	`, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("metering: failed to query snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := newSnapshot(orgID, from, to)
	for rows.Next() {
		var (
			instanceID string
			kind       Kind
			total      int64
		)
		if err := rows.Scan(&instanceID, &kind, &total); err != nil {
			return nil, fmt.Errorf("metering: failed to scan row: %w", err)
		}
		snap.add(instanceID, kind, total)
	}
	return snap, rows.Err()
}
