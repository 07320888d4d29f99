package intent

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var intentCols = []string{"id", "organization_id", "purpose", "message_type", "target_kind", "target_value",
	"payload", "payload_hash", "status", "pinned_instance_id", "decided_by_instance_id", "blocked_reason",
	"queued_until", "queued_reason", "requeue_count", "created_at", "updated_at", "decided_at", "version"}

func TestSQLStore_UpdateCompareAndSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &MessageIntent{ID: "in-1", Status: StatusApproved, DecidedByInstanceID: "i-1", UpdatedAt: now, DecidedAt: &now, Version: 3}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_intents SET")).
		WithArgs(StatusApproved, "i-1", nil, nil, nil, 0, now, now, int64(3), "in-1", StatusQueued, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Update(context.Background(), m, StatusQueued, 2))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_intents SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Update(context.Background(), m, StatusQueued, 2), ErrConflict)

	// Illegal transitions never reach the database.
	assert.ErrorIs(t, store.Update(context.Background(), m, StatusSent, 3), ErrIllegalTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListDueQueued(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(-time.Minute)
	rows := sqlmock.NewRows(intentCols).
		AddRow("in-1", "org-1", "DISPATCH", "TEXT", "PHONE", "+5511", `{"text":"a"}`, "sha256:ab", "QUEUED",
			nil, "i-1", nil, until, "rate limited", 1, now.Add(-time.Hour), now, now, 4)
	mock.ExpectQuery(regexp.QuoteMeta("FROM message_intents")).
		WithArgs(now, 50).
		WillReturnRows(rows)

	due, err := NewSQLStore(db).ListDueQueued(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, StatusQueued, due[0].Status)
	assert.Equal(t, "i-1", due[0].DecidedByInstanceID)
	assert.Empty(t, due[0].PinnedInstanceID)
	require.NotNil(t, due[0].QueuedUntil)
	assert.Equal(t, until, *due[0].QueuedUntil)
	assert.Equal(t, 1, due[0].RequeueCount)
	assert.JSONEq(t, `{"text":"a"}`, string(due[0].Payload))
}

func TestSQLStore_ListBuildsFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE organization_id = $1 AND status = $2 ORDER BY created_at DESC, id LIMIT $3")).
		WithArgs("org-1", "BLOCKED", 20).
		WillReturnRows(sqlmock.NewRows(intentCols))

	out, err := NewSQLStore(db).List(context.Background(), Filter{OrganizationID: "org-1", Status: StatusBlocked, Limit: 20})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("FROM message_intents WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(intentCols))
	_, err = NewSQLStore(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
