// window-device-sim emulates the window device on the bus: retained
// availability with a last-will, heartbeats carrying the declared interval,
// and a slow sinusoid of telemetry.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/config"
	"github.com/Psynolyn/auto-window-dashboard/internal/logger"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/mqttbus"

	"go.uber.org/zap"
)

func main() {
	heartbeatInterval := flag.Duration("heartbeat", 5*time.Second, "heartbeat publish interval")
	dataInterval := flag.Duration("data", 10*time.Second, "telemetry publish interval")
	declareInterval := flag.Bool("declare", true, "include interval_ms in heartbeats")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "window-device-sim")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	topics := models.NewTopics(cfg.Topics.Prefix, cfg.Topics.DeviceAvailability, cfg.Topics.LegacyAvailability, cfg.Topics.DeviceHeartbeat)

	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = "window-device-sim"
	}
	client, err := mqttbus.NewClient(&mqttCfg, zapLogger.Named("mqtt"), mqttbus.Options{
		Will: &mqttbus.Will{
			Topic:    topics.DeviceAvailability,
			Payload:  "offline",
			Retained: true,
		},
	})
	if err != nil {
		zapLogger.Fatal("Failed to connect", zap.Error(err))
	}

	if err := client.PublishRetained(topics.DeviceAvailability, []byte("online")); err != nil {
		zapLogger.Warn("Failed to publish availability", zap.Error(err))
	}

	// Echo final angles back after a short servo settle, the way the
	// firmware confirms an applied position.
	err = client.Subscribe(topics.Window, 0, func(_ string, payload []byte) {
		msg, err := models.ParseWindow(payload)
		if err != nil || !msg.Final || msg.Source == "device" {
			return
		}
		echo, _ := json.Marshal(map[string]interface{}{
			"windowAngle": math.Round(msg.Angle),
			"source":      "device",
		})
		time.AfterFunc(150*time.Millisecond, func() {
			if err := client.Publish(topics.Window, 0, false, echo); err != nil {
				zapLogger.Warn("Angle echo failed", zap.Error(err))
			}
		})
	})
	if err != nil {
		zapLogger.Warn("Failed to subscribe to window topic", zap.Error(err))
	}

	heartbeatTick := time.NewTicker(*heartbeatInterval)
	dataTick := time.NewTicker(*dataInterval)
	defer heartbeatTick.Stop()
	defer dataTick.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	zapLogger.Info("Device simulator running",
		zap.Duration("heartbeat", *heartbeatInterval),
		zap.Duration("data", *dataInterval),
	)

	start := time.Now()
	for {
		select {
		case <-heartbeatTick.C:
			beat := map[string]interface{}{"ts": time.Now().UnixMilli()}
			if *declareInterval {
				beat["interval_ms"] = heartbeatInterval.Milliseconds()
			}
			payload, _ := json.Marshal(beat)
			if err := client.Publish(topics.DeviceHeartbeat, 0, false, payload); err != nil {
				zapLogger.Warn("Heartbeat publish failed", zap.Error(err))
			}

		case <-dataTick.C:
			// slow daily-ish swing plus a fast ripple
			t := time.Since(start).Seconds()
			temp := 21.0 + 4.0*math.Sin(t/900.0) + 0.3*math.Sin(t/7.0)
			hum := 55.0 + 10.0*math.Sin(t/1300.0+1.0)
			payload, _ := json.Marshal(map[string]float64{
				"temperature": math.Round(temp*10) / 10,
				"humidity":    math.Round(hum*10) / 10,
			})
			if err := client.Publish(topics.Data, 0, false, payload); err != nil {
				zapLogger.Warn("Telemetry publish failed", zap.Error(err))
			}

		case sig := <-sigChan:
			zapLogger.Info("Shutting down", zap.String("signal", sig.String()))
			if err := client.PublishRetained(topics.DeviceAvailability, []byte("offline")); err != nil {
				zapLogger.Warn("Failed to publish availability", zap.Error(err))
			}
			client.Disconnect()
			return
		}
	}
}
