package repository

import (
	"database/sql"
	"fmt"

	"github.com/Psynolyn/auto-window-dashboard/internal/models"

	"go.uber.org/zap"
)

// SettingsRepository persists the canonical settings record. The table is
// append-tolerant but the bridge maintains a single latest logical row:
// writes update the newest row in place and only insert when the table is
// empty.
type SettingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *sql.DB, logger *zap.Logger) *SettingsRepository {
	return &SettingsRepository{
		db:     db,
		logger: logger,
	}
}

// Latest returns the newest settings row, or (nil, nil) when the table is
// empty.
func (r *SettingsRepository) Latest() (*models.CanonicalSettings, error) {
	query := `
		SELECT threshold, vent, auto, angle, max_angle, graph_range,
		       dht11_enabled, water_enabled, hw416b_enabled, ts
		FROM settings
		ORDER BY ts DESC, id DESC
		LIMIT 1`

	var s models.CanonicalSettings
	var graphRange sql.NullString
	err := r.db.QueryRow(query).Scan(
		&s.Threshold, &s.Vent, &s.Auto, &s.Angle, &s.MaxAngle, &graphRange,
		&s.DHT11Enabled, &s.WaterEnabled, &s.HW416BEnabled, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest settings: %w", err)
	}
	if graphRange.Valid {
		s.GraphRange = graphRange.String
	}
	return &s, nil
}

// Upsert writes the full settings record into the latest row, inserting one
// when none exists yet.
func (r *SettingsRepository) Upsert(s *models.CanonicalSettings) error {
	var id int64
	err := r.db.QueryRow(`SELECT id FROM settings ORDER BY ts DESC, id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return r.insert(s)
	}
	if err != nil {
		return fmt.Errorf("failed to locate latest settings row: %w", err)
	}

	query := `
		UPDATE settings
		SET threshold = $1, vent = $2, auto = $3, angle = $4, max_angle = $5,
		    graph_range = $6, dht11_enabled = $7, water_enabled = $8,
		    hw416b_enabled = $9, ts = $10
		WHERE id = $11`
	_, err = r.db.Exec(query,
		s.Threshold, s.Vent, s.Auto, s.Angle, s.MaxAngle, s.GraphRange,
		s.DHT11Enabled, s.WaterEnabled, s.HW416BEnabled, s.UpdatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update settings row %d: %w", id, err)
	}
	r.logger.Debug("Settings row updated", zap.Int64("id", id))
	return nil
}

func (r *SettingsRepository) insert(s *models.CanonicalSettings) error {
	query := `
		INSERT INTO settings (threshold, vent, auto, angle, max_angle,
		                      graph_range, dht11_enabled, water_enabled,
		                      hw416b_enabled, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.db.Exec(query,
		s.Threshold, s.Vent, s.Auto, s.Angle, s.MaxAngle, s.GraphRange,
		s.DHT11Enabled, s.WaterEnabled, s.HW416BEnabled, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert settings row: %w", err)
	}
	r.logger.Debug("Settings row inserted")
	return nil
}
