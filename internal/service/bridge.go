package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/config"
	"github.com/Psynolyn/auto-window-dashboard/internal/eventloop"
	"github.com/Psynolyn/auto-window-dashboard/internal/guard"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/mqttbus"
	"github.com/Psynolyn/auto-window-dashboard/internal/presence"
	"github.com/Psynolyn/auto-window-dashboard/internal/rediscache"
	"github.com/Psynolyn/auto-window-dashboard/internal/repository"
	"github.com/Psynolyn/auto-window-dashboard/internal/synchronizer"
	"github.com/Psynolyn/auto-window-dashboard/internal/timers"

	"go.uber.org/zap"
)

// cleanupCheckInterval is how often the daily cleanup schedule is checked.
const cleanupCheckInterval = 30 * time.Second

// BridgeService owns the canonical settings record: it reconciles edits from
// the bus into Postgres, rebroadcasts snapshots, stores telemetry, and
// answers liveness probes.
type BridgeService struct {
	cfg    *config.Config
	logger *zap.Logger
	topics models.Topics

	loop  *eventloop.Loop
	sched timers.Scheduler
	mqtt  *mqttbus.Client

	guard    *guard.Guard
	sync     *synchronizer.Synchronizer
	presence *presence.Detector

	settingsRepo *repository.SettingsRepository
	readingsRepo *repository.ReadingsRepository
	snapshots    *rediscache.SnapshotStore

	cleanupTicker  *timers.RearmTicker
	cleanupLastRun string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridgeService 创建bridge服务
func NewBridgeService(
	cfg *config.Config,
	logger *zap.Logger,
	settingsRepo *repository.SettingsRepository,
	readingsRepo *repository.ReadingsRepository,
	snapshots *rediscache.SnapshotStore,
) *BridgeService {
	s := &BridgeService{
		cfg:          cfg,
		logger:       logger,
		topics:       models.NewTopics(cfg.Topics.Prefix, cfg.Topics.DeviceAvailability, cfg.Topics.LegacyAvailability, cfg.Topics.DeviceHeartbeat),
		loop:         eventloop.New(0),
		settingsRepo: settingsRepo,
		readingsRepo: readingsRepo,
		snapshots:    snapshots,
		done:         make(chan struct{}),
	}
	s.sched = timers.NewScheduler(s.loop.Post)
	s.guard = guard.New(s.sched.Now)
	s.presence = presence.NewDetector(s.sched, logger.Named("presence"), nil)
	s.sync = synchronizer.New(s.sched, logger.Named("sync"), settingsRepo, s.guard, cfg.Bridge.ThresholdFlushDelay, synchronizer.Hooks{
		PublishSettings:   func(p []byte) { s.publish(s.topics.Settings, false, p) },
		PublishSnapshot:   func(p []byte) { s.publish(s.topics.SettingsSnapshot, true, p) },
		PublishCorrection: func(p []byte) { s.publish(s.topics.Window, false, p) },
		PublishMaxAngle:   func(p []byte) { s.publish(s.topics.MaxAngle, false, p) },
		OnStoreResult:     s.onStoreResult,
		CacheSnapshot:     s.cacheSnapshot,
	})
	s.cleanupTicker = timers.NewRearmTicker(s.sched, s.checkCleanup)
	return s
}

// Start 启动bridge服务
func (s *BridgeService) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.loop.Run(loopCtx)
	}()

	if err := s.sync.Load(); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	mqttCfg := s.cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = "window-bridge"
	}
	client, err := mqttbus.NewClient(&mqttCfg, s.logger.Named("mqtt"), mqttbus.Options{
		Will: &mqttbus.Will{
			Topic:    s.topics.BridgeStatus,
			Payload:  "offline",
			Retained: true,
		},
		OnConnect:        func() { s.loop.Post(s.onBusConnect) },
		OnConnectionLost: func(err error) { s.loop.Post(s.onBusDown) },
	})
	if err != nil {
		cancel()
		return err
	}
	s.mqtt = client

	if s.cfg.Bridge.Cleanup.Enabled {
		s.loop.Post(func() { s.cleanupTicker.Rearm(cleanupCheckInterval) })
	}

	s.logger.Info("Bridge service started")
	return nil
}

// Stop 停止bridge服务。挂起的写入先落库，再发布离线状态
func (s *BridgeService) Stop(ctx context.Context) error {
	flushed := make(chan struct{})
	s.loop.Post(func() {
		s.sync.Flush()
		s.presence.Stop()
		s.cleanupTicker.Stop()
		close(flushed)
	})
	select {
	case <-flushed:
	case <-ctx.Done():
	}

	if s.mqtt != nil {
		if err := s.mqtt.PublishRetained(s.topics.BridgeStatus, []byte("offline")); err != nil {
			s.logger.Warn("Failed to publish offline status", zap.Error(err))
		}
		s.mqtt.Disconnect()
	}
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	s.logger.Info("Bridge service stopped")
	return nil
}

func (s *BridgeService) onBusConnect() {
	if err := s.mqtt.PublishRetained(s.topics.BridgeStatus, []byte("online")); err != nil {
		s.logger.Warn("Failed to publish online status", zap.Error(err))
	}

	subs := map[string]func(topic string, payload []byte){
		s.topics.Window:             s.handleWindow,
		s.topics.WindowStream:       s.handleWindow,
		s.topics.Settings:           s.handleSettingsEcho,
		s.topics.Threshold:          s.handleThreshold,
		s.topics.Vent:               s.handleVent,
		s.topics.Auto:               s.handleAuto,
		s.topics.Sensors:            s.handleSensors,
		s.topics.GraphRange:         s.handleGraphRange,
		s.topics.MaxAngle:           s.handleMaxAngle,
		s.topics.SettingsGet:        s.handleSettingsGet,
		s.topics.BridgePing:         s.handlePing,
		s.topics.Data:               s.handleData,
		s.topics.DeviceAvailability: s.handleAvailability,
		s.topics.LegacyAvailability: s.handleAvailability,
		s.topics.DeviceHeartbeat:    s.handleHeartbeat,
	}
	for topic, handler := range subs {
		h := handler
		if err := s.mqtt.Subscribe(topic, s.cfg.MQTT.QoS, func(t string, p []byte) {
			s.loop.Post(func() { h(t, p) })
		}); err != nil {
			s.logger.Error("Subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	s.presence.Start()
	s.sync.AnswerGet()
}

func (s *BridgeService) onBusDown() {
	s.presence.OnBusDown()
	s.guard.Reset()
}

func (s *BridgeService) publish(topic string, retained bool, payload []byte) {
	if s.mqtt == nil {
		return
	}
	if err := s.mqtt.Publish(topic, s.cfg.MQTT.QoS, retained, payload); err != nil {
		s.logger.Warn("Publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (s *BridgeService) onStoreResult(err error) {
	// Store health is folded into the retained status so viewers learn
	// about a dead database path without probing.
	if err == nil {
		return
	}
	s.logger.Error("Settings store round trip failed", zap.Error(err))
}

func (s *BridgeService) cacheSnapshot(snap *models.CanonicalSettings) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.snapshots.Save(ctx, snap); err != nil {
		s.logger.Warn("Failed to refresh snapshot cache", zap.Error(err))
	}
}

func (s *BridgeService) handleWindow(_ string, payload []byte) {
	msg, err := models.ParseWindow(payload)
	if err != nil {
		s.logger.Debug("Dropped malformed window message", zap.Error(err))
		return
	}
	if msg.Source == models.SourceBridge {
		// own correction echo
		return
	}
	if s.guard.ShouldSuppressEcho(models.FieldAngle, msg.Angle) {
		return
	}
	s.guard.ClearGuardIfMatch(models.FieldAngle, msg.Angle)
	s.sync.ApplyAngle(msg.Angle, msg.Final)
}

func (s *BridgeService) handleThreshold(_ string, payload []byte) {
	msg, err := models.ParseThreshold(payload)
	if err != nil {
		s.logger.Debug("Dropped malformed threshold message", zap.Error(err))
		return
	}
	s.sync.ApplyThreshold(msg.Threshold, msg.Final)
}

func (s *BridgeService) handleVent(_ string, payload []byte) {
	on, err := models.ParseVent(payload)
	if err != nil {
		s.logger.Debug("Dropped malformed vent message", zap.Error(err))
		return
	}
	s.sync.ApplyVent(on)
}

func (s *BridgeService) handleAuto(_ string, payload []byte) {
	on, err := models.ParseAuto(payload)
	if err != nil {
		s.logger.Debug("Dropped malformed auto message", zap.Error(err))
		return
	}
	s.sync.ApplyAuto(on)
}

func (s *BridgeService) handleSensors(_ string, payload []byte) {
	msg, err := models.ParseSensors(payload)
	if err != nil {
		s.logger.Debug("Dropped malformed sensors message", zap.Error(err))
		return
	}
	s.sync.ApplySensors(msg.Flags)
}

func (s *BridgeService) handleGraphRange(_ string, payload []byte) {
	key, err := models.ParseGraphRange(payload)
	if err != nil {
		s.logger.Debug("Dropped malformed graphRange message", zap.Error(err))
		return
	}
	s.sync.ApplyGraphRange(key)
}

func (s *BridgeService) handleMaxAngle(_ string, payload []byte) {
	msg, err := models.ParseMaxAngle(payload)
	if err != nil {
		s.logger.Debug("Dropped malformed max_angle message", zap.Error(err))
		return
	}
	s.sync.ApplyMaxAngle(msg.MaxAngle, msg.Source)
}

// handleSettingsEcho watches the live settings topic for foreign writers.
// This process is the only legitimate publisher of full records.
func (s *BridgeService) handleSettingsEcho(_ string, payload []byte) {
	snap, err := models.ParseSettingsSnapshot(payload)
	if err != nil {
		return
	}
	if snap.Source == models.SourceBridge {
		return
	}
	s.logger.Warn("Ignoring settings record from foreign writer",
		zap.String("source", snap.Source))
}

func (s *BridgeService) handleSettingsGet(_ string, payload []byte) {
	s.sync.AnswerGet()
}

func (s *BridgeService) handlePing(_ string, payload []byte) {
	msg, err := models.ParsePing(payload)
	if err != nil {
		return
	}
	reply, _ := json.Marshal(map[string]interface{}{"id": msg.ID, "pong": true})
	s.publish(s.topics.BridgePong, false, reply)
}

func (s *BridgeService) handleData(_ string, payload []byte) {
	msg, err := models.ParseData(payload)
	if err != nil {
		s.logger.Debug("Dropped malformed data message", zap.Error(err))
		return
	}
	if !msg.HasSample() {
		return
	}
	point := models.ReadingPoint{
		Ts:          s.sched.Now(),
		Temperature: msg.Temperature,
		Humidity:    msg.Humidity,
	}
	if err := s.readingsRepo.Insert(&point); err != nil {
		s.logger.Error("Failed to store reading", zap.Error(err))
	}
}

func (s *BridgeService) handleAvailability(topic string, payload []byte) {
	online, err := models.ParseAvailability(payload)
	if err != nil {
		s.logger.Debug("Dropped malformed availability message",
			zap.String("topic", topic), zap.Error(err))
		return
	}
	s.presence.OnAvailability(online)
}

func (s *BridgeService) handleHeartbeat(_ string, payload []byte) {
	s.presence.OnHeartbeat(models.ParseHeartbeat(payload))
}

// checkCleanup runs on a coarse tick and fires the retention job at most
// once per scheduled day.
func (s *BridgeService) checkCleanup() {
	cu := &s.cfg.Bridge.Cleanup
	now := s.sched.Now()
	local := now.Add(time.Duration(cu.TZOffsetMinutes) * time.Minute)

	hh, mm, ok := parseClock(cu.Time)
	if !ok {
		return
	}
	if local.Hour() < hh || (local.Hour() == hh && local.Minute() < mm) {
		return
	}
	key := local.Format("2006-01-02")
	if s.cleanupLastRun == key {
		return
	}
	s.cleanupLastRun = key

	s.logger.Info("Running daily readings cleanup", zap.String("mode", cu.Mode))
	if cu.Mode == "truncate" {
		if err := s.readingsRepo.TruncateAll(); err != nil {
			s.logger.Error("Cleanup truncate failed", zap.Error(err))
		}
		return
	}
	cutoff := now.Add(-time.Duration(cu.PurgeDays) * 24 * time.Hour)
	n, err := s.readingsRepo.PurgeOlderThan(cutoff)
	if err != nil {
		s.logger.Error("Cleanup purge failed", zap.Error(err))
		return
	}
	s.logger.Info("Cleanup purge complete", zap.Int64("deleted", n))
}

func parseClock(v string) (hh, mm int, ok bool) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(v, "%d:%d", &hh, &mm); err != nil {
		return 0, 0, false
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, false
	}
	return hh, mm, true
}
