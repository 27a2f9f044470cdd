// Package synchronizer reconciles incoming settings edits against the
// durable store and rebroadcasts the canonical record to every listener.
package synchronizer

import (
	"encoding/json"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/guard"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/timers"

	"go.uber.org/zap"
)

// DefaultThresholdFlushDelay coalesces bursts of threshold edits into one
// store write.
const DefaultThresholdFlushDelay = 2 * time.Second

// Store is the durable settings backend.
type Store interface {
	Latest() (*models.CanonicalSettings, error)
	Upsert(*models.CanonicalSettings) error
}

// Hooks are the synchronizer's outputs. All hooks fire on the caller's
// event loop.
type Hooks struct {
	// PublishSettings publishes the full snapshot on the live settings
	// topic (non-retained).
	PublishSettings func(payload []byte)
	// PublishSnapshot publishes the full snapshot on the retained
	// snapshot topic.
	PublishSnapshot func(payload []byte)
	// PublishCorrection republishes a clamped angle on the window topic.
	PublishCorrection func(payload []byte)
	// PublishMaxAngle rebroadcasts an accepted max-angle announcement.
	PublishMaxAngle func(payload []byte)
	// OnStoreResult reports the outcome of each store round trip.
	OnStoreResult func(err error)
	// CacheSnapshot refreshes the cold-start snapshot cache.
	CacheSnapshot func(s *models.CanonicalSettings)
}

// Synchronizer owns the canonical settings record on the bridge side.
// All methods must be called from the bridge's event loop.
type Synchronizer struct {
	sched  timers.Scheduler
	logger *zap.Logger
	store  Store
	guard  *guard.Guard
	hooks  Hooks

	lastKnown models.CanonicalSettings
	loaded    bool

	// persistedThreshold is the last threshold committed to the store.
	// lastKnown.Threshold moves ahead of it while a coalesced write is
	// pending, and writes triggered by other fields must not carry the
	// uncommitted value.
	persistedThreshold float64

	thresholdDebounce *timers.Debouncer
}

// New creates a synchronizer. Call Load before feeding it updates.
func New(sched timers.Scheduler, logger *zap.Logger, store Store, g *guard.Guard, flushDelay time.Duration, hooks Hooks) *Synchronizer {
	if flushDelay <= 0 {
		flushDelay = DefaultThresholdFlushDelay
	}
	s := &Synchronizer{
		sched:     sched,
		logger:    logger,
		store:     store,
		guard:     g,
		hooks:     hooks,
		lastKnown: models.DefaultSettings(),
	}
	s.persistedThreshold = s.lastKnown.Threshold
	s.thresholdDebounce = timers.NewDebouncer(sched, flushDelay, func(value interface{}) {
		v := value.(float64)
		s.lastKnown.Threshold = v
		s.persistedThreshold = v
		s.persistAndBroadcast("threshold")
	})
	return s
}

// Load seeds lastKnown from the store's latest row, falling back to
// defaults when the table is empty.
func (s *Synchronizer) Load() error {
	latest, err := s.store.Latest()
	if err != nil {
		return err
	}
	if latest != nil {
		s.lastKnown = *latest
		if s.lastKnown.MaxAngle <= 0 {
			s.lastKnown.MaxAngle = models.DefaultSettings().MaxAngle
		}
	}
	s.persistedThreshold = s.lastKnown.Threshold
	s.loaded = true
	s.logger.Info("Settings loaded",
		zap.Float64("threshold", s.lastKnown.Threshold),
		zap.Float64("angle", s.lastKnown.Angle),
		zap.Float64("max_angle", s.lastKnown.MaxAngle),
		zap.Bool("from_store", latest != nil),
	)
	return nil
}

// Snapshot returns a copy of the current canonical record.
func (s *Synchronizer) Snapshot() models.CanonicalSettings { return s.lastKnown }

// ApplyAngle processes a window-angle message. Out-of-range values are
// clamped and the corrected value is republished so every listener
// converges; transient values update nothing durable.
func (s *Synchronizer) ApplyAngle(angle float64, final bool) {
	clamped := clampAngle(angle, s.lastKnown.MaxAngle)
	if clamped != angle {
		s.publishCorrection(clamped, final)
	}
	if !final {
		return
	}
	if s.loaded && clamped == s.lastKnown.Angle {
		return
	}
	s.lastKnown.Angle = clamped
	s.persistAndBroadcast("angle")
}

// ApplyThreshold processes a threshold edit. The value lands in lastKnown
// immediately so every snapshot sees it; only the store write coalesces,
// with the deadline fixed by the first value of the burst. A final value
// flushes immediately.
func (s *Synchronizer) ApplyThreshold(value float64, final bool) {
	if !s.thresholdDebounce.Pending() && value == s.lastKnown.Threshold {
		return
	}
	s.lastKnown.Threshold = value
	s.thresholdDebounce.Set(value)
	if final {
		s.thresholdDebounce.Flush()
	}
}

// ApplyVent processes a vent toggle.
func (s *Synchronizer) ApplyVent(on bool) {
	if s.loaded && on == s.lastKnown.Vent {
		return
	}
	s.lastKnown.Vent = on
	s.persistAndBroadcast("vent")
}

// ApplyAuto processes an auto-mode toggle.
func (s *Synchronizer) ApplyAuto(on bool) {
	if s.loaded && on == s.lastKnown.Auto {
		return
	}
	s.lastKnown.Auto = on
	s.persistAndBroadcast("auto")
}

// ApplyGraphRange processes a graph-range selection.
func (s *Synchronizer) ApplyGraphRange(key string) {
	if s.loaded && key == s.lastKnown.GraphRange {
		return
	}
	s.lastKnown.GraphRange = key
	s.persistAndBroadcast("graph_range")
}

// ApplySensors processes sensor enable flags.
func (s *Synchronizer) ApplySensors(flags map[string]bool) {
	changed := false
	for key, v := range flags {
		cur := s.lastKnown.SensorFlag(key)
		if cur != nil && *cur == v {
			continue
		}
		s.lastKnown.SetSensorFlag(key, v)
		changed = true
	}
	if changed {
		s.persistAndBroadcast("sensors")
	}
}

// ApplyMaxAngle processes a max-angle announcement. Viewers apply max_angle
// but never originate it, so dashboard-sourced values are dropped. Lowering
// the cap re-clamps the current angle.
func (s *Synchronizer) ApplyMaxAngle(value float64, source string) {
	if source == models.SourceDashboard {
		s.logger.Warn("Ignoring viewer-sourced max_angle", zap.Float64("value", value))
		return
	}
	if s.loaded && value == s.lastKnown.MaxAngle {
		return
	}
	s.lastKnown.MaxAngle = value
	if s.hooks.PublishMaxAngle != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"max_angle": value,
			"source":    models.SourceBridge,
		})
		s.hooks.PublishMaxAngle(payload)
	}
	if clamped := clampAngle(s.lastKnown.Angle, value); clamped != s.lastKnown.Angle {
		s.lastKnown.Angle = clamped
		s.publishCorrection(clamped, true)
	}
	s.persistAndBroadcast("max_angle")
}

// AnswerGet replies to a settings/get request with the full snapshot.
func (s *Synchronizer) AnswerGet() {
	s.broadcast()
}

// Flush forces any pending coalesced write out now. Called on shutdown.
func (s *Synchronizer) Flush() {
	s.thresholdDebounce.Flush()
}

func (s *Synchronizer) publishCorrection(angle float64, final bool) {
	s.guard.BeginIntentWindows(models.FieldAngle, angle, guard.DefaultSuppressTTL, guard.FinalAngleGuardTTL)
	payload, _ := json.Marshal(map[string]interface{}{
		"angle":   angle,
		"final":   final,
		"source":  models.SourceBridge,
		"clamped": true,
	})
	if s.hooks.PublishCorrection != nil {
		s.hooks.PublishCorrection(payload)
	}
	s.logger.Info("Republished clamped angle", zap.Float64("angle", angle), zap.Bool("final", final))
}

// persistAndBroadcast writes lastKnown to the store and rebroadcasts it.
// The broadcast happens even when the write fails: listeners should still
// converge on the bridge's in-memory record, and the store outcome is
// reported separately.
func (s *Synchronizer) persistAndBroadcast(field string) {
	s.lastKnown.UpdatedAt = s.sched.Now()
	s.lastKnown.Source = models.SourceBridge

	record := s.lastKnown
	if s.thresholdDebounce.Pending() {
		record.Threshold = s.persistedThreshold
	}
	err := s.store.Upsert(&record)
	if err != nil {
		s.logger.Error("Failed to persist settings", zap.String("field", field), zap.Error(err))
	} else {
		s.logger.Debug("Settings persisted", zap.String("field", field))
	}
	if s.hooks.OnStoreResult != nil {
		s.hooks.OnStoreResult(err)
	}
	s.broadcast()
}

func (s *Synchronizer) broadcast() {
	record := s.lastKnown
	record.Source = models.SourceBridge
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = s.sched.Now()
	}
	payload, err := json.Marshal(&record)
	if err != nil {
		s.logger.Error("Failed to marshal settings snapshot", zap.Error(err))
		return
	}
	if s.hooks.PublishSettings != nil {
		s.hooks.PublishSettings(payload)
	}
	if s.hooks.PublishSnapshot != nil {
		s.hooks.PublishSnapshot(payload)
	}
	if s.hooks.CacheSnapshot != nil {
		s.hooks.CacheSnapshot(&record)
	}
}

func clampAngle(angle, max float64) float64 {
	if max <= 0 {
		max = models.DefaultSettings().MaxAngle
	}
	if angle < 0 {
		return 0
	}
	if angle > max {
		return max
	}
	return angle
}
