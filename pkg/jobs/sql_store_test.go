package jobs

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStore_UpdateCompareAndSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db)
	job := &Job{ID: "job-1", Status: StatusProcessing, Version: 2, UpdatedAt: time.Now()}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE execution_jobs SET")).
		WithArgs(StatusProcessing, 0, "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(2), "job-1", StatusPending, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Update(context.Background(), job, StatusPending, 1))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE execution_jobs SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Update(context.Background(), job, StatusPending, 1), ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateDuplicateIntent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO execution_jobs")).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "execution_jobs_intent_id_key"`))
	err = NewSQLStore(db).Create(context.Background(), &Job{ID: "job-2", IntentID: "in-1"})
	assert.ErrorIs(t, err, ErrDuplicateIntent)
}

func TestSQLStore_ListDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(-time.Second)
	cols := []string{"id", "intent_id", "organization_id", "instance_id", "provider", "target_kind", "target_value",
		"message_type", "payload", "status", "attempts", "last_error", "provider_message_id", "created_at",
		"updated_at", "executed_at", "next_attempt_at", "version"}
	rows := sqlmock.NewRows(cols).
		AddRow("job-1", "in-1", "org", "i-1", "TURBOZAP", "PHONE", "+55119", "TEXT", `{"text":"a"}`, "RETRY", 2,
			"timeout", nil, now.Add(-time.Hour), now, nil, next, 5)
	mock.ExpectQuery(regexp.QuoteMeta("FROM execution_jobs")).
		WithArgs(now, 10).
		WillReturnRows(rows)

	due, err := NewSQLStore(db).ListDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, StatusRetry, due[0].Status)
	assert.Equal(t, 2, due[0].Attempts)
	assert.Equal(t, "timeout", due[0].LastError)
	require.NotNil(t, due[0].NextAttemptAt)
	assert.Equal(t, next, *due[0].NextAttemptAt)
	assert.Nil(t, due[0].ExecutedAt)
	assert.JSONEq(t, `{"text":"a"}`, string(due[0].Payload))
}
