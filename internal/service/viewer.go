package service

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/angle"
	"github.com/Psynolyn/auto-window-dashboard/internal/config"
	"github.com/Psynolyn/auto-window-dashboard/internal/eventloop"
	"github.com/Psynolyn/auto-window-dashboard/internal/guard"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/mqttbus"
	"github.com/Psynolyn/auto-window-dashboard/internal/presence"
	"github.com/Psynolyn/auto-window-dashboard/internal/prober"
	"github.com/Psynolyn/auto-window-dashboard/internal/rediscache"
	"github.com/Psynolyn/auto-window-dashboard/internal/repository"
	"github.com/Psynolyn/auto-window-dashboard/internal/timers"

	"go.uber.org/zap"
)

// ViewerService is the dashboard-side process: it mirrors the canonical
// settings, tracks device and bridge liveness, buffers live telemetry, and
// publishes the operator's edits with echo suppression.
type ViewerService struct {
	cfg    *config.Config
	logger *zap.Logger
	topics models.Topics

	loop  *eventloop.Loop
	sched timers.Scheduler
	mqtt  *mqttbus.Client

	guard    *guard.Guard
	presence *presence.Detector
	prober   *prober.Prober
	knob     *angle.Publisher

	snapshots    *rediscache.SnapshotStore
	settingsRepo *repository.SettingsRepository
	readingsRepo *repository.ReadingsRepository

	settings     models.CanonicalSettings
	deviceOnline bool
	knobDisabled bool
	busUp        bool

	live           []models.ReadingPoint
	pendingSensors map[string]bool

	// pendingSnapshotRequest throttles settings/get after a bridge-online
	// transition.
	pendingSnapshotRequest bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewViewerService 创建viewer服务
func NewViewerService(
	cfg *config.Config,
	logger *zap.Logger,
	settingsRepo *repository.SettingsRepository,
	readingsRepo *repository.ReadingsRepository,
	snapshots *rediscache.SnapshotStore,
) *ViewerService {
	s := &ViewerService{
		cfg:            cfg,
		logger:         logger,
		topics:         models.NewTopics(cfg.Topics.Prefix, cfg.Topics.DeviceAvailability, cfg.Topics.LegacyAvailability, cfg.Topics.DeviceHeartbeat),
		loop:           eventloop.New(0),
		settingsRepo:   settingsRepo,
		readingsRepo:   readingsRepo,
		snapshots:      snapshots,
		settings:       models.DefaultSettings(),
		pendingSensors: make(map[string]bool),
		done:           make(chan struct{}),
	}
	s.sched = timers.NewScheduler(s.loop.Post)
	s.guard = guard.New(s.sched.Now)
	s.presence = presence.NewDetector(s.sched, logger.Named("presence"), s.onDeviceChange)
	s.prober = prober.New(s.sched, logger.Named("prober"), prober.Hooks{
		PublishPing: s.publishPing,
		OnVisible:   s.onWarningVisible,
		OnOnline:    s.onBridgeOnline,
	})
	s.knob = angle.NewPublisher(s.sched, logger.Named("knob"), s.guard,
		func() float64 { return s.settings.MaxAngle },
		func(p []byte) { s.publish(s.topics.Window, false, p) },
	)
	return s
}

// Start 启动viewer服务
func (s *ViewerService) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.loop.Run(loopCtx)
	}()

	s.bootstrap(ctx)

	mqttCfg := s.cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = "window-viewer"
	}
	client, err := mqttbus.NewClient(&mqttCfg, s.logger.Named("mqtt"), mqttbus.Options{
		Will: &mqttbus.Will{
			Topic:    s.topics.ViewerStatus,
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

	s.logger.Info("Viewer service started")
	return nil
}

// Stop 停止viewer服务
func (s *ViewerService) Stop(ctx context.Context) error {
	if s.mqtt != nil {
		if err := s.mqtt.PublishRetained(s.topics.ViewerStatus, []byte("offline")); err != nil {
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
	s.logger.Info("Viewer service stopped")
	return nil
}

// bootstrap seeds the settings view and the live buffer before the bus
// delivers anything: snapshot cache first, then the store, then defaults.
func (s *ViewerService) bootstrap(ctx context.Context) {
	s.bootstrapSettings(ctx)

	recent, err := s.readingsRepo.Since(time.Now().Add(-s.cfg.Viewer.LiveBufferRetention))
	s.noteStoreOutcome(err)
	if err != nil {
		s.logger.Warn("Recent readings fetch failed at bootstrap", zap.Error(err))
		return
	}
	s.live = recent
}

// noteStoreOutcome feeds store round-trip results to the prober: success is
// a healthy signal, a network-shaped failure means the bridge path is down.
func (s *ViewerService) noteStoreOutcome(err error) {
	s.loop.Post(func() {
		if err == nil {
			s.prober.NoteStoreSuccess()
			return
		}
		s.prober.NoteStoreFailure(isNetworkError(err))
	})
}

// isNetworkError separates connectivity failures from schema or permission
// errors, which say nothing about the bridge path.
func isNetworkError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

func (s *ViewerService) bootstrapSettings(ctx context.Context) {
	if snap, err := s.snapshots.Load(ctx); err != nil {
		s.logger.Warn("Snapshot cache read failed", zap.Error(err))
	} else if snap != nil {
		s.applySnapshot(snap)
		s.logger.Info("Settings bootstrapped from snapshot cache")
		return
	}

	latest, err := s.settingsRepo.Latest()
	s.noteStoreOutcome(err)
	if err != nil {
		s.logger.Warn("Store read failed at bootstrap", zap.Error(err))
		return
	}
	if latest != nil {
		s.applySnapshot(latest)
		s.logger.Info("Settings bootstrapped from store")
	}
}

func (s *ViewerService) onBusConnect() {
	s.busUp = true
	if err := s.mqtt.PublishRetained(s.topics.ViewerStatus, []byte("online")); err != nil {
		s.logger.Warn("Failed to publish online status", zap.Error(err))
	}

	subs := map[string]func(topic string, payload []byte){
		s.topics.Data:               s.handleData,
		s.topics.Window:             s.handleWindow,
		s.topics.WindowStream:       s.handleWindowStream,
		s.topics.Threshold:          s.handleThreshold,
		s.topics.Vent:               s.handleVent,
		s.topics.Auto:               s.handleAuto,
		s.topics.Sensors:            s.handleSensors,
		s.topics.GraphRange:         s.handleGraphRange,
		s.topics.MaxAngle:           s.handleMaxAngle,
		s.topics.AngleSpecial:       s.handleAngleSpecial,
		s.topics.Settings:           s.handleSettings,
		s.topics.SettingsSnapshot:   s.handleSettings,
		s.topics.BridgeStatus:       s.handleBridgeStatus,
		s.topics.BridgePong:         s.handleBridgePong,
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
	s.prober.OnBusConnect()
	s.flushPendingSensors()
}

func (s *ViewerService) onBusDown() {
	s.busUp = false
	s.presence.OnBusDown()
	s.prober.OnBusDown()
	s.guard.Reset()
}

func (s *ViewerService) publish(topic string, retained bool, payload []byte) {
	if s.mqtt == nil || !s.mqtt.IsConnected() {
		return
	}
	if err := s.mqtt.Publish(topic, s.cfg.MQTT.QoS, retained, payload); err != nil {
		s.logger.Warn("Publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (s *ViewerService) publishPing(id string) {
	payload, _ := json.Marshal(map[string]string{"id": id})
	s.publish(s.topics.BridgePing, false, payload)
}

func (s *ViewerService) onWarningVisible(visible bool) {
	if visible {
		s.logger.Warn("Bridge appears offline")
	} else {
		s.logger.Info("Bridge warning cleared")
	}
}

// onBridgeOnline requests a fresh snapshot so the viewer converges on the
// store-backed record (including max_angle, which it never originates).
func (s *ViewerService) onBridgeOnline() {
	if s.pendingSnapshotRequest {
		return
	}
	s.pendingSnapshotRequest = true
	payload, _ := json.Marshal(map[string]string{"requestor": models.SourceDashboard})
	s.publish(s.topics.SettingsGet, false, payload)
	s.sched.AfterFunc(3*time.Second, func() { s.pendingSnapshotRequest = false })
}

func (s *ViewerService) onDeviceChange(online bool, reason string) {
	s.deviceOnline = online
}

func (s *ViewerService) flushPendingSensors() {
	if len(s.pendingSensors) == 0 {
		return
	}
	flags := s.pendingSensors
	s.pendingSensors = make(map[string]bool)
	for key, v := range flags {
		s.publishSensor(key, v)
	}
}

// ----- incoming handlers -----

func (s *ViewerService) handleData(_ string, payload []byte) {
	msg, err := models.ParseData(payload)
	if err != nil {
		return
	}
	if !msg.HasSample() {
		return
	}
	now := s.sched.Now()
	s.live = append(s.live, models.ReadingPoint{Ts: now, Temperature: msg.Temperature, Humidity: msg.Humidity})
	s.pruneLive(now)
}

func (s *ViewerService) pruneLive(now time.Time) {
	cutoff := now.Add(-s.cfg.Viewer.LiveBufferRetention)
	i := 0
	for i < len(s.live) && s.live[i].Ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.live = append(s.live[:0], s.live[i:]...)
	}
}

func (s *ViewerService) handleWindow(_ string, payload []byte) {
	msg, err := models.ParseWindow(payload)
	if err != nil {
		return
	}
	if s.guard.ShouldSuppressEcho(models.FieldAngle, msg.Angle) {
		return
	}
	if s.guard.IsGuardedMismatch(models.FieldAngle, msg.Angle) {
		// a guarded local edit wins over a delayed foreign value, unless
		// the bridge explicitly corrected us
		if !(msg.Source == models.SourceBridge && msg.Clamped) {
			return
		}
	}
	if !msg.Final && s.knob.Active() {
		// foreign previews never fight the local gesture
		return
	}
	s.guard.ClearGuardIfMatch(models.FieldAngle, msg.Angle)
	s.settings.Angle = msg.Angle
}

func (s *ViewerService) handleWindowStream(_ string, payload []byte) {
	msg, err := models.ParseWindow(payload)
	if err != nil {
		return
	}
	if s.guard.ShouldSuppressEcho(models.FieldAngle, msg.Angle) {
		return
	}
	if s.knob.Active() {
		return
	}
	s.settings.Angle = msg.Angle
}

func (s *ViewerService) handleThreshold(_ string, payload []byte) {
	msg, err := models.ParseThreshold(payload)
	if err != nil {
		return
	}
	if s.guard.ShouldSuppressEcho(models.FieldThreshold, msg.Threshold) {
		return
	}
	if s.guard.IsGuardedMismatch(models.FieldThreshold, msg.Threshold) {
		return
	}
	s.guard.ClearGuardIfMatch(models.FieldThreshold, msg.Threshold)
	s.settings.Threshold = msg.Threshold
}

func (s *ViewerService) handleVent(_ string, payload []byte) {
	on, err := models.ParseVent(payload)
	if err != nil {
		return
	}
	if s.guard.ShouldSuppressEcho(models.FieldVent, on) {
		return
	}
	if s.guard.IsGuardedMismatch(models.FieldVent, on) {
		return
	}
	s.guard.ClearGuardIfMatch(models.FieldVent, on)
	s.settings.Vent = on
}

func (s *ViewerService) handleAuto(_ string, payload []byte) {
	on, err := models.ParseAuto(payload)
	if err != nil {
		return
	}
	if s.guard.ShouldSuppressEcho(models.FieldAuto, on) {
		return
	}
	if s.guard.IsGuardedMismatch(models.FieldAuto, on) {
		return
	}
	s.guard.ClearGuardIfMatch(models.FieldAuto, on)
	s.settings.Auto = on
}

func (s *ViewerService) handleSensors(_ string, payload []byte) {
	msg, err := models.ParseSensors(payload)
	if err != nil {
		return
	}
	for key, v := range msg.Flags {
		if s.guard.ShouldSuppressEcho(key, v) {
			continue
		}
		s.guard.ClearGuardIfMatch(key, v)
		s.settings.SetSensorFlag(key, v)
	}
}

func (s *ViewerService) handleGraphRange(_ string, payload []byte) {
	key, err := models.ParseGraphRange(payload)
	if err != nil {
		return
	}
	if s.guard.ShouldSuppressEcho(models.FieldGraphRange, key) {
		return
	}
	s.guard.ClearGuardIfMatch(models.FieldGraphRange, key)
	s.settings.GraphRange = key
}

func (s *ViewerService) handleMaxAngle(_ string, payload []byte) {
	msg, err := models.ParseMaxAngle(payload)
	if err != nil {
		return
	}
	s.settings.MaxAngle = msg.MaxAngle
	if s.settings.Angle > msg.MaxAngle {
		s.settings.Angle = msg.MaxAngle
	}
}

// handleAngleSpecial applies a device-originated override: it can move the
// displayed angle directly and disable the local control.
func (s *ViewerService) handleAngleSpecial(_ string, payload []byte) {
	var raw struct {
		Angle        *float64 `json:"angle"`
		KnobDisabled *bool    `json:"knob_disabled"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return
	}
	if raw.KnobDisabled != nil {
		s.knobDisabled = *raw.KnobDisabled
	}
	if raw.Angle != nil {
		a := *raw.Angle
		if a < 0 {
			a = 0
		}
		if a > s.settings.MaxAngle {
			a = s.settings.MaxAngle
		}
		s.settings.Angle = a
	}
}

func (s *ViewerService) handleSettings(_ string, payload []byte) {
	snap, err := models.ParseSettingsSnapshot(payload)
	if err != nil {
		return
	}
	if snap.Source != models.SourceBridge {
		return
	}
	s.pendingSnapshotRequest = false
	s.applySnapshot(snap)
}

func (s *ViewerService) applySnapshot(snap *models.CanonicalSettings) {
	merged := *snap
	if merged.MaxAngle <= 0 {
		merged.MaxAngle = models.DefaultSettings().MaxAngle
	}
	if merged.GraphRange == "" {
		merged.GraphRange = s.settings.GraphRange
	}
	s.settings = merged
}

func (s *ViewerService) handleBridgeStatus(_ string, payload []byte) {
	online, err := models.ParseBridgeStatus(payload)
	if err != nil {
		return
	}
	s.prober.OnStatus(online)
}

func (s *ViewerService) handleBridgePong(_ string, payload []byte) {
	if _, err := models.ParsePong(payload); err != nil {
		return
	}
	s.prober.OnPong()
}

func (s *ViewerService) handleAvailability(topic string, payload []byte) {
	online, err := models.ParseAvailability(payload)
	if err != nil {
		return
	}
	s.presence.OnAvailability(online)
}

func (s *ViewerService) handleHeartbeat(_ string, payload []byte) {
	s.presence.OnHeartbeat(models.ParseHeartbeat(payload))
}

// ----- operator edits (posted from the REPL goroutine) -----

// SetThreshold publishes a threshold edit.
func (s *ViewerService) SetThreshold(value float64, final bool) {
	s.loop.Post(func() {
		s.guard.BeginIntent(models.FieldThreshold, value)
		s.settings.Threshold = value
		payload, _ := json.Marshal(map[string]interface{}{"threshold": value, "final": final})
		s.publish(s.topics.Threshold, false, payload)
	})
}

// SetVent publishes a vent toggle.
func (s *ViewerService) SetVent(on bool) {
	s.loop.Post(func() {
		s.guard.BeginIntent(models.FieldVent, on)
		s.settings.Vent = on
		payload, _ := json.Marshal(map[string]bool{"vent": on})
		s.publish(s.topics.Vent, false, payload)
	})
}

// SetAuto publishes an auto-mode toggle.
func (s *ViewerService) SetAuto(on bool) {
	s.loop.Post(func() {
		s.guard.BeginIntent(models.FieldAuto, on)
		s.settings.Auto = on
		payload, _ := json.Marshal(map[string]bool{"auto": on})
		s.publish(s.topics.Auto, false, payload)
	})
}

// SetGraphRange publishes a graph-range selection.
func (s *ViewerService) SetGraphRange(key string) error {
	if !models.ValidGraphRange(key) {
		return fmt.Errorf("unknown graph range %q", key)
	}
	s.loop.Post(func() {
		s.guard.BeginIntent(models.FieldGraphRange, key)
		s.settings.GraphRange = key
		payload, _ := json.Marshal(map[string]string{"range": key})
		s.publish(s.topics.GraphRange, false, payload)
	})
	return nil
}

// SetSensor publishes a sensor enable flag. Edits made while the bus is
// down are queued and flushed on reconnect.
func (s *ViewerService) SetSensor(key string, on bool) error {
	valid := false
	for _, k := range models.SensorFlagKeys {
		if k == key {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown sensor flag %q", key)
	}
	s.loop.Post(func() {
		s.settings.SetSensorFlag(key, on)
		if !s.busUp {
			s.pendingSensors[key] = on
			return
		}
		s.publishSensor(key, on)
	})
	return nil
}

func (s *ViewerService) publishSensor(key string, on bool) {
	// While auto mode is active the bridge may take seconds to settle on a
	// flag change, so the echo window is stretched to avoid a flap.
	suppress := guard.DefaultSuppressTTL
	if s.settings.Auto {
		suppress = 10 * time.Second
	}
	s.guard.BeginIntentWindows(key, on, suppress, guard.DefaultGuardTTL)
	payload, _ := json.Marshal(map[string]interface{}{key: on, "source": models.SourceDashboard})
	s.publish(s.topics.Sensors, true, payload)
}

// DragAngle feeds an in-progress knob value through the throttled
// transient stream.
func (s *ViewerService) DragAngle(value float64) {
	s.loop.Post(func() {
		if s.knobDisabled {
			return
		}
		s.knob.Drag(value)
	})
}

// ReleaseAngle ends the knob gesture with a single final publish.
func (s *ViewerService) ReleaseAngle(value float64) {
	s.loop.Post(func() {
		if s.knobDisabled {
			return
		}
		s.knob.Release(value)
		if v, ok := s.knob.Last(); ok {
			s.settings.Angle = v
		}
	})
}

// DismissWarning hides the bridge-offline warning until the next episode.
func (s *ViewerService) DismissWarning() {
	s.loop.Post(s.prober.Dismiss)
}

// Status is a point-in-time view for display.
type Status struct {
	Settings     models.CanonicalSettings
	DeviceOnline bool
	BridgeState  prober.State
	WarningShown bool
	KnobDisabled bool
	LivePoints   int
}

// Snapshot returns the current view, synchronized through the event loop.
func (s *ViewerService) Snapshot() Status {
	ch := make(chan Status, 1)
	s.loop.Post(func() {
		ch <- Status{
			Settings:     s.settings,
			DeviceOnline: s.deviceOnline,
			BridgeState:  s.prober.State(),
			WarningShown: s.prober.Visible(),
			KnobDisabled: s.knobDisabled,
			LivePoints:   len(s.live),
		}
	})
	return <-ch
}

// History returns samples for the given span: store-backed when the bridge
// is online, the local live buffer otherwise.
func (s *ViewerService) History(span time.Duration) ([]models.ReadingPoint, error) {
	type result struct {
		points []models.ReadingPoint
		store  bool
	}
	ch := make(chan result, 1)
	s.loop.Post(func() {
		useStore := s.prober.State() == prober.StateOnline
		if !useStore {
			since := s.sched.Now().Add(-span)
			var pts []models.ReadingPoint
			for _, p := range s.live {
				if !p.Ts.Before(since) {
					pts = append(pts, p)
				}
			}
			ch <- result{points: pts}
			return
		}
		ch <- result{store: true}
	})
	r := <-ch
	if !r.store {
		return r.points, nil
	}
	points, err := s.readingsRepo.Since(time.Now().Add(-span))
	s.noteStoreOutcome(err)
	return points, err
}
