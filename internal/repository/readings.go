package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/models"

	"go.uber.org/zap"
)

// ReadingsRepository persists telemetry samples. The table is append-only;
// retention is handled by the daily cleanup job.
type ReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingsRepository creates a new readings repository
func NewReadingsRepository(db *sql.DB, logger *zap.Logger) *ReadingsRepository {
	return &ReadingsRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends one telemetry sample.
func (r *ReadingsRepository) Insert(p *models.ReadingPoint) error {
	query := `INSERT INTO readings (ts, temperature, humidity) VALUES ($1, $2, $3)`
	if _, err := r.db.Exec(query, p.Ts, p.Temperature, p.Humidity); err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// InsertBatch appends samples in one transaction. Used by backfill tooling.
func (r *ReadingsRepository) InsertBatch(points []models.ReadingPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin readings batch: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO readings (ts, temperature, humidity) VALUES ($1, $2, $3)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare readings batch: %w", err)
	}
	defer stmt.Close()

	for i := range points {
		p := &points[i]
		if _, err := stmt.Exec(p.Ts, p.Temperature, p.Humidity); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert reading in batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit readings batch: %w", err)
	}
	r.logger.Debug("Readings batch inserted", zap.Int("count", len(points)))
	return nil
}

// Since returns all samples at or after the given time, oldest first.
func (r *ReadingsRepository) Since(t time.Time) ([]models.ReadingPoint, error) {
	query := `
		SELECT ts, temperature, humidity
		FROM readings
		WHERE ts >= $1
		ORDER BY ts ASC`
	rows, err := r.db.Query(query, t)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var points []models.ReadingPoint
	for rows.Next() {
		var p models.ReadingPoint
		if err := rows.Scan(&p.Ts, &p.Temperature, &p.Humidity); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}
	return points, nil
}

// PurgeOlderThan deletes samples strictly older than the cutoff and returns
// how many were removed.
func (r *ReadingsRepository) PurgeOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM readings WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge readings: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged readings: %w", err)
	}
	return n, nil
}

// TruncateAll removes every sample and resets identity. Preferred by the
// truncate cleanup mode.
func (r *ReadingsRepository) TruncateAll() error {
	if _, err := r.db.Exec(`TRUNCATE TABLE readings RESTART IDENTITY`); err != nil {
		return fmt.Errorf("failed to truncate readings: %w", err)
	}
	return nil
}
