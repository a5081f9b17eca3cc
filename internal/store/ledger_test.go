package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/af-corp/meshforge/internal/types"
)

func newLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLedger(db), mock
}

var selectColumns = []string{"id", "key_id", "status", "textured", "download_url", "seed", "vertices", "faces", "error", "submitted_at", "updated_at"}

func TestLedger_UpsertCompleted(t *testing.T) {
	l, mock := newLedger(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &types.Job{
		ID:     "uid-1",
		KeyID:  "key-1",
		Status: types.JobCompleted,
		Output: &types.GenerationResult{
			DownloadURL: "https://example/u", Textured: true, Seed: 42, UID: "uid-1", Vertices: 10, Faces: 16,
		},
		SubmittedAt: at,
		UpdatedAt:   at.Add(time.Minute),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generations")).
		WithArgs("uid-1",
			sql.NullString{String: "key-1", Valid: true},
			"COMPLETED",
			true,
			sql.NullString{String: "https://example/u", Valid: true},
			sql.NullInt64{Int64: 42, Valid: true},
			sql.NullInt64{Int64: 10, Valid: true},
			sql.NullInt64{Int64: 16, Valid: true},
			sql.NullString{},
			at,
			at.Add(time.Minute),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.Upsert(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_UpsertFailedWithoutKey(t *testing.T) {
	l, mock := newLedger(t)
	job := &types.Job{ID: "uid-2", Status: types.JobFailed, Error: "Generation failed: boom"}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generations")).
		WithArgs("uid-2", sql.NullString{}, "FAILED", false, sql.NullString{}, sql.NullInt64{}, sql.NullInt64{}, sql.NullInt64{},
			sql.NullString{String: "Generation failed: boom", Valid: true}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.Upsert(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_UpsertError(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectExec("INSERT INTO generations").WillReturnError(errors.New("connection reset"))

	err := l.Upsert(context.Background(), &types.Job{ID: "x", Status: types.JobInQueue})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert generation x")
}

func TestLedger_Get(t *testing.T) {
	l, mock := newLedger(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM generations")).
		WithArgs("uid-1").
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow("uid-1", "key-1", "COMPLETED", false, "https://example/u", 1234, 8, 12, nil, at, at))

	job, err := l.Get(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
	require.NotNil(t, job.Output)
	assert.Equal(t, "https://example/u", job.Output.DownloadURL)
	assert.Equal(t, int64(1234), job.Output.Seed)
	assert.Equal(t, 12, job.Output.Faces)
	assert.Equal(t, "uid-1", job.Output.UID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_GetFailed(t *testing.T) {
	l, mock := newLedger(t)
	at := time.Now().UTC()
	mock.ExpectQuery("FROM generations").
		WithArgs("uid-f").
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow("uid-f", nil, "FAILED", false, nil, nil, nil, nil, "Generation failed: x", at, at))

	job, err := l.Get(context.Background(), "uid-f")
	require.NoError(t, err)
	assert.Nil(t, job.Output)
	assert.Equal(t, types.ErrorResponse{Error: "Generation failed: x"}, job.View().Output)
}

func TestLedger_GetNotFound(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectQuery("FROM generations").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := l.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_CountSince(t *testing.T) {
	l, mock := newLedger(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM generations")).
		WithArgs("key-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := l.CountSince(context.Background(), "key-1", since)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
}
