// seed-readings backfills the readings table with synthetic telemetry so a
// fresh deployment has graph history to look at.
package main

import (
	"flag"
	"log"
	"math"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/config"
	"github.com/Psynolyn/auto-window-dashboard/internal/database"
	"github.com/Psynolyn/auto-window-dashboard/internal/logger"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/repository"

	"go.uber.org/zap"
)

func main() {
	minutes := flag.Int("minutes", 60, "how far back to seed")
	step := flag.Duration("step", 30*time.Second, "sample spacing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, "console", "seed-readings")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	repo := repository.NewReadingsRepository(db, zapLogger.Named("readings"))

	now := time.Now()
	start := now.Add(-time.Duration(*minutes) * time.Minute)
	var points []models.ReadingPoint
	for ts := start; ts.Before(now); ts = ts.Add(*step) {
		t := ts.Sub(start).Seconds()
		temp := 21.0 + 4.0*math.Sin(t/900.0)
		hum := 55.0 + 10.0*math.Sin(t/1300.0+1.0)
		points = append(points, models.ReadingPoint{
			Ts:          ts,
			Temperature: &temp,
			Humidity:    &hum,
		})
	}

	if err := repo.InsertBatch(points); err != nil {
		zapLogger.Fatal("Seed failed", zap.Error(err))
	}
	zapLogger.Info("Seed complete",
		zap.Int("points", len(points)),
		zap.Time("from", start),
		zap.Time("to", now),
	)
}
