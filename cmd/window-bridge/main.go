package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/config"
	"github.com/Psynolyn/auto-window-dashboard/internal/database"
	"github.com/Psynolyn/auto-window-dashboard/internal/logger"
	"github.com/Psynolyn/auto-window-dashboard/internal/rediscache"
	"github.com/Psynolyn/auto-window-dashboard/internal/repository"
	"github.com/Psynolyn/auto-window-dashboard/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "window-bridge")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting window-bridge service",
		zap.String("broker", cfg.MQTT.Broker),
		zap.String("topic_prefix", cfg.Topics.Prefix),
	)

	// 初始化数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	// 初始化Redis
	redisClient := rediscache.NewRedisClient(&cfg.Redis)
	defer rediscache.Close(redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rediscache.Ping(ctx, redisClient); err != nil {
		zapLogger.Warn("Redis unreachable at startup, snapshot cache degraded", zap.Error(err))
	}

	settingsRepo := repository.NewSettingsRepository(db, zapLogger.Named("settings"))
	readingsRepo := repository.NewReadingsRepository(db, zapLogger.Named("readings"))
	snapshots := rediscache.NewSnapshotStore(redisClient, cfg.Bridge.SnapshotCacheKey, 0)

	bridge := service.NewBridgeService(cfg, zapLogger, settingsRepo, readingsRepo, snapshots)
	if err := bridge.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start bridge service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := bridge.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
