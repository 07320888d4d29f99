package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLLog implements Log on the timeline_events table.
type SQLLog struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db, clock: time.Now}
}

const schema = `
CREATE TABLE IF NOT EXISTS timeline_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	intent_id TEXT,
	job_id TEXT,
	instance_id TEXT,
	summary TEXT NOT NULL,
	details TEXT,
	content_hash TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timeline_events_intent ON timeline_events(intent_id, timestamp);
`

// Init creates the necessary database tables.
func (l *SQLLog) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

func (l *SQLLog) Record(ctx context.Context, e Event) error {
	if err := prepare(&e, l.clock().UTC()); err != nil {
		return err
	}
	var details []byte
	if e.Details != nil {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("timeline: marshal details: %w", err)
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO timeline_events (id, kind, organization_id, intent_id, job_id, instance_id, summary, details, content_hash, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.Kind, e.OrganizationID, e.IntentID, e.JobID, e.InstanceID, e.Summary, string(details), e.ContentHash, e.Timestamp)
	if err != nil {
		return fmt.Errorf("timeline: insert: %w", err)
	}
	return nil
}

func (l *SQLLog) ForIntent(ctx context.Context, intentID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, organization_id, intent_id, job_id, instance_id, summary, details, content_hash, timestamp
		FROM timeline_events
		WHERE intent_id = $1
		ORDER BY timestamp, id
	`, intentID)
	if err != nil {
		return nil, fmt.Errorf("timeline: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e                        Event
			intent, job, inst, deets sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.OrganizationID, &intent, &job, &inst, &e.Summary, &deets, &e.ContentHash, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("timeline: scan: %w", err)
		}
		e.IntentID, e.JobID, e.InstanceID = intent.String, job.String, inst.String
		if deets.Valid && deets.String != "" {
			if err := json.Unmarshal([]byte(deets.String), &e.Details); err != nil {
				return nil, fmt.Errorf("timeline: event %s: corrupt details: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
