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

func setupSettingsRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SettingsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewSettingsRepository(db, logger)

	return db, mock, repo
}

func settingsColumns() []string {
	return []string{"threshold", "vent", "auto", "angle", "max_angle", "graph_range",
		"dht11_enabled", "water_enabled", "hw416b_enabled", "ts"}
}

func TestLatest_Success(t *testing.T) {
	db, mock, repo := setupSettingsRepo(t)
	defer db.Close()

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(settingsColumns()).
		AddRow(24.5, true, false, 90.0, 180.0, "1h", true, nil, nil, ts)

	mock.ExpectQuery(`SELECT threshold, vent, auto`).WillReturnRows(rows)

	s, err := repo.Latest()
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 24.5, s.Threshold)
	assert.True(t, s.Vent)
	assert.Equal(t, "1h", s.GraphRange)
	require.NotNil(t, s.DHT11Enabled)
	assert.True(t, *s.DHT11Enabled)
	assert.Nil(t, s.WaterEnabled)
	assert.Equal(t, ts, s.UpdatedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatest_EmptyTable(t *testing.T) {
	db, mock, repo := setupSettingsRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT threshold, vent, auto`).WillReturnError(sql.ErrNoRows)

	s, err := repo.Latest()
	require.NoError(t, err)
	assert.Nil(t, s, "empty table means no row, not an error")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatest_NullGraphRange(t *testing.T) {
	db, mock, repo := setupSettingsRepo(t)
	defer db.Close()

	rows := sqlmock.NewRows(settingsColumns()).
		AddRow(23.0, false, false, 0.0, 180.0, nil, nil, nil, nil, time.Now())

	mock.ExpectQuery(`SELECT threshold, vent, auto`).WillReturnRows(rows)

	s, err := repo.Latest()
	require.NoError(t, err)
	assert.Equal(t, "", s.GraphRange)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_UpdatesExistingRow(t *testing.T) {
	db, mock, repo := setupSettingsRepo(t)
	defer db.Close()

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := &models.CanonicalSettings{
		Threshold: 25, Vent: true, Angle: 45, MaxAngle: 180,
		GraphRange: "live", UpdatedAt: ts,
	}

	mock.ExpectQuery(`SELECT id FROM settings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec(`UPDATE settings`).
		WithArgs(25.0, true, false, 45.0, 180.0, "live", nil, nil, nil, ts, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_InsertsFirstRow(t *testing.T) {
	db, mock, repo := setupSettingsRepo(t)
	defer db.Close()

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := &models.CanonicalSettings{
		Threshold: 23, MaxAngle: 180, GraphRange: "live", UpdatedAt: ts,
	}

	mock.ExpectQuery(`SELECT id FROM settings`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO settings`).
		WithArgs(23.0, false, false, 0.0, 180.0, "live", nil, nil, nil, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Upsert(s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_UpdateFailureWrapped(t *testing.T) {
	db, mock, repo := setupSettingsRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id FROM settings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec(`UPDATE settings`).
		WillReturnError(sql.ErrConnDone)

	err := repo.Upsert(&models.CanonicalSettings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to update settings row")
}
