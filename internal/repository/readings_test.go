package repository

import (
	"database/sql"
	"testing"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupReadingsRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *ReadingsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewReadingsRepository(db, logger)

	return db, mock, repo
}

func f(v float64) *float64 { return &v }

func TestInsertReading(t *testing.T) {
	db, mock, repo := setupReadingsRepo(t)
	defer db.Close()

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO readings`).
		WithArgs(ts, 21.5, 60.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Insert(&models.ReadingPoint{Ts: ts, Temperature: f(21.5), Humidity: f(60.0)})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReading_PartialSample(t *testing.T) {
	db, mock, repo := setupReadingsRepo(t)
	defer db.Close()

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO readings`).
		WithArgs(ts, 21.5, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Insert(&models.ReadingPoint{Ts: ts, Temperature: f(21.5)})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch(t *testing.T) {
	db, mock, repo := setupReadingsRepo(t)
	defer db.Close()

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO readings`)
	prep.ExpectExec().WithArgs(ts, 20.0, 55.0).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(ts.Add(time.Minute), 20.5, 56.0).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := repo.InsertBatch([]models.ReadingPoint{
		{Ts: ts, Temperature: f(20.0), Humidity: f(55.0)},
		{Ts: ts.Add(time.Minute), Temperature: f(20.5), Humidity: f(56.0)},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch_EmptyIsNoOp(t *testing.T) {
	db, mock, repo := setupReadingsRepo(t)
	defer db.Close()

	require.NoError(t, repo.InsertBatch(nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSince(t *testing.T) {
	db, mock, repo := setupReadingsRepo(t)
	defer db.Close()

	since := time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"ts", "temperature", "humidity"}).
		AddRow(since.Add(time.Minute), 21.0, 60.0).
		AddRow(since.Add(2*time.Minute), nil, 61.0)

	mock.ExpectQuery(`SELECT ts, temperature, humidity`).
		WithArgs(since).
		WillReturnRows(rows)

	points, err := repo.Since(since)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.NotNil(t, points[0].Temperature)
	assert.Equal(t, 21.0, *points[0].Temperature)
	assert.Nil(t, points[1].Temperature)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeOlderThan(t *testing.T) {
	db, mock, repo := setupReadingsRepo(t)
	defer db.Close()

	cutoff := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM readings`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.PurgeOlderThan(cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateAll(t *testing.T) {
	db, mock, repo := setupReadingsRepo(t)
	defer db.Close()

	mock.ExpectExec(`TRUNCATE TABLE readings`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.TruncateAll())
	assert.NoError(t, mock.ExpectationsWereMet())
}
