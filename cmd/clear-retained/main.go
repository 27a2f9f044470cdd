// clear-retained wipes the retained messages the dashboard stack leaves on
// the broker, for resetting a test environment.
package main

import (
	"log"

	"github.com/Psynolyn/auto-window-dashboard/internal/config"
	"github.com/Psynolyn/auto-window-dashboard/internal/logger"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/mqttbus"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, "console", "clear-retained")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	topics := models.NewTopics(cfg.Topics.Prefix, cfg.Topics.DeviceAvailability, cfg.Topics.LegacyAvailability, cfg.Topics.DeviceHeartbeat)

	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = "clear-retained"
	}
	client, err := mqttbus.NewClient(&mqttCfg, zapLogger.Named("mqtt"), mqttbus.Options{})
	if err != nil {
		zapLogger.Fatal("Failed to connect", zap.Error(err))
	}
	defer client.Disconnect()

	for _, topic := range topics.RetainedTopics() {
		if err := client.ClearRetained(topic); err != nil {
			zapLogger.Warn("Failed to clear topic", zap.String("topic", topic), zap.Error(err))
			continue
		}
		zapLogger.Info("Cleared retained message", zap.String("topic", topic))
	}
}
