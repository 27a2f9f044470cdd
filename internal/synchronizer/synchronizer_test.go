package synchronizer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/guard"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/timers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubStore struct {
	latest    *models.CanonicalSettings
	latestErr error
	upserts   []models.CanonicalSettings
	upsertErr error
}

func (s *stubStore) Latest() (*models.CanonicalSettings, error) {
	return s.latest, s.latestErr
}

func (s *stubStore) Upsert(rec *models.CanonicalSettings) error {
	s.upserts = append(s.upserts, *rec)
	return s.upsertErr
}

type captured struct {
	settings    [][]byte
	snapshots   [][]byte
	corrections [][]byte
	maxAngles   [][]byte
	storeErrs   []error
	cached      []models.CanonicalSettings
}

func newTestSync(store *stubStore) (*Synchronizer, *timers.ManualScheduler, *captured) {
	sched := timers.NewManualScheduler(time.Unix(1700000000, 0))
	rec := &captured{}
	g := guard.New(sched.Now)
	s := New(sched, zap.NewNop(), store, g, DefaultThresholdFlushDelay, Hooks{
		PublishSettings:   func(p []byte) { rec.settings = append(rec.settings, p) },
		PublishSnapshot:   func(p []byte) { rec.snapshots = append(rec.snapshots, p) },
		PublishCorrection: func(p []byte) { rec.corrections = append(rec.corrections, p) },
		PublishMaxAngle:   func(p []byte) { rec.maxAngles = append(rec.maxAngles, p) },
		OnStoreResult:     func(err error) { rec.storeErrs = append(rec.storeErrs, err) },
		CacheSnapshot:     func(snap *models.CanonicalSettings) { rec.cached = append(rec.cached, *snap) },
	})
	return s, sched, rec
}

func loadedSync(t *testing.T, latest *models.CanonicalSettings) (*Synchronizer, *stubStore, *timers.ManualScheduler, *captured) {
	store := &stubStore{latest: latest}
	s, sched, rec := newTestSync(store)
	require.NoError(t, s.Load())
	return s, store, sched, rec
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	s, _, _, _ := loadedSync(t, nil)

	snap := s.Snapshot()
	assert.Equal(t, 23.0, snap.Threshold)
	assert.Equal(t, 180.0, snap.MaxAngle)
	assert.Equal(t, "live", snap.GraphRange)
}

func TestLoadUsesStoreRow(t *testing.T) {
	s, _, _, _ := loadedSync(t, &models.CanonicalSettings{
		Threshold: 26, Angle: 45, MaxAngle: 120, GraphRange: "1h",
	})

	snap := s.Snapshot()
	assert.Equal(t, 26.0, snap.Threshold)
	assert.Equal(t, 120.0, snap.MaxAngle)
}

func TestVentChangePersistsAndBroadcasts(t *testing.T) {
	s, store, _, rec := loadedSync(t, nil)

	s.ApplyVent(true)

	require.Len(t, store.upserts, 1)
	assert.True(t, store.upserts[0].Vent)
	require.Len(t, rec.settings, 1)
	require.Len(t, rec.snapshots, 1)
	require.Len(t, rec.cached, 1)

	var published models.CanonicalSettings
	require.NoError(t, json.Unmarshal(rec.settings[0], &published))
	assert.True(t, published.Vent)
	assert.Equal(t, models.SourceBridge, published.Source)
	assert.Equal(t, 180.0, published.MaxAngle, "snapshot always carries the store cap")
}

func TestUnchangedValueIsNoOp(t *testing.T) {
	s, store, _, rec := loadedSync(t, &models.CanonicalSettings{
		Threshold: 23, Vent: false, Auto: true, MaxAngle: 180, GraphRange: "live",
	})

	s.ApplyVent(false)
	s.ApplyAuto(true)
	s.ApplyGraphRange("live")
	s.ApplyThreshold(23, true)

	assert.Empty(t, store.upserts, "re-delivered values must not rewrite the store")
	assert.Empty(t, rec.settings)
}

func TestRedeliveredFinalAngleIdempotent(t *testing.T) {
	s, store, _, _ := loadedSync(t, nil)

	s.ApplyAngle(90, true)
	require.Len(t, store.upserts, 1)

	// at-most-once QoS means the same final can arrive again via another
	// viewer's republish
	s.ApplyAngle(90, true)
	assert.Len(t, store.upserts, 1)
}

func TestTransientAngleNeverPersisted(t *testing.T) {
	s, store, _, rec := loadedSync(t, nil)

	s.ApplyAngle(30, false)
	s.ApplyAngle(60, false)

	assert.Empty(t, store.upserts)
	assert.Empty(t, rec.settings)
	assert.Equal(t, 0.0, s.Snapshot().Angle)
}

func TestOutOfRangeAngleClampedAndCorrected(t *testing.T) {
	s, store, _, rec := loadedSync(t, nil)

	s.ApplyAngle(200, true)

	require.Len(t, rec.corrections, 1)
	var corr map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.corrections[0], &corr))
	assert.Equal(t, 180.0, corr["angle"])
	assert.Equal(t, true, corr["clamped"])
	assert.Equal(t, models.SourceBridge, corr["source"])

	require.Len(t, store.upserts, 1)
	assert.Equal(t, 180.0, store.upserts[0].Angle)

	// the corrected value arriving again changes nothing
	s.ApplyAngle(180, true)
	assert.Len(t, rec.corrections, 1)
	assert.Len(t, store.upserts, 1)
}

func TestNegativeAngleClampsToZero(t *testing.T) {
	s, store, _, rec := loadedSync(t, nil)

	s.ApplyAngle(-15, true)

	require.Len(t, rec.corrections, 1)
	var corr map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.corrections[0], &corr))
	assert.Equal(t, 0.0, corr["angle"])

	// zero equals the stored angle, so no write follows the correction
	assert.Empty(t, store.upserts)
	assert.Equal(t, 0.0, s.Snapshot().Angle)
}

func TestThresholdBurstCoalesced(t *testing.T) {
	s, store, sched, _ := loadedSync(t, nil)

	s.ApplyThreshold(24, false)
	sched.Advance(time.Second)
	s.ApplyThreshold(25, false)
	s.ApplyThreshold(26, false)

	assert.Empty(t, store.upserts, "deadline is set by the first value of the burst")

	sched.Advance(time.Second)
	require.Len(t, store.upserts, 1)
	assert.Equal(t, 26.0, store.upserts[0].Threshold,
		"the flush carries the newest value")
}

func TestNonFinalThresholdVisibleImmediately(t *testing.T) {
	s, store, _, rec := loadedSync(t, nil)

	s.ApplyThreshold(29, false)

	assert.Equal(t, 29.0, s.Snapshot().Threshold)
	assert.Empty(t, store.upserts, "only the store write is debounced")

	s.AnswerGet()
	require.Len(t, rec.settings, 1)
	var published models.CanonicalSettings
	require.NoError(t, json.Unmarshal(rec.settings[0], &published))
	assert.Equal(t, 29.0, published.Threshold)
}

func TestPendingThresholdNotCommittedByOtherField(t *testing.T) {
	s, store, sched, rec := loadedSync(t, nil)

	s.ApplyThreshold(29, false)
	s.ApplyVent(true)

	require.Len(t, store.upserts, 1)
	assert.Equal(t, 23.0, store.upserts[0].Threshold,
		"another field's write carries the committed threshold")
	var published models.CanonicalSettings
	require.NoError(t, json.Unmarshal(rec.settings[0], &published))
	assert.Equal(t, 29.0, published.Threshold,
		"the broadcast carries the live value")

	sched.Advance(DefaultThresholdFlushDelay)
	require.Len(t, store.upserts, 2)
	assert.Equal(t, 29.0, store.upserts[1].Threshold)
}

func TestLaterValuesDoNotExtendDeadline(t *testing.T) {
	s, store, sched, _ := loadedSync(t, nil)

	s.ApplyThreshold(24, false)
	sched.Advance(1900 * time.Millisecond)
	s.ApplyThreshold(25, false)
	sched.Advance(100 * time.Millisecond)

	require.Len(t, store.upserts, 1, "flush fires at the original deadline")
	assert.Equal(t, 25.0, store.upserts[0].Threshold)
}

func TestFinalThresholdFlushesImmediately(t *testing.T) {
	s, store, _, _ := loadedSync(t, nil)

	s.ApplyThreshold(24, false)
	s.ApplyThreshold(27, true)

	require.Len(t, store.upserts, 1)
	assert.Equal(t, 27.0, store.upserts[0].Threshold)
}

func TestViewerSourcedMaxAngleDropped(t *testing.T) {
	s, store, _, _ := loadedSync(t, nil)

	s.ApplyMaxAngle(90, models.SourceDashboard)

	assert.Empty(t, store.upserts)
	assert.Equal(t, 180.0, s.Snapshot().MaxAngle)
}

func TestLoweredMaxAngleReclampsAngle(t *testing.T) {
	s, store, _, rec := loadedSync(t, &models.CanonicalSettings{
		Threshold: 23, Angle: 170, MaxAngle: 180, GraphRange: "live",
	})

	s.ApplyMaxAngle(90, "")

	require.Len(t, rec.corrections, 1)
	require.Len(t, store.upserts, 1)
	assert.Equal(t, 90.0, store.upserts[0].MaxAngle)
	assert.Equal(t, 90.0, store.upserts[0].Angle)
}

func TestAcceptedMaxAngleRebroadcast(t *testing.T) {
	s, store, _, rec := loadedSync(t, nil)

	s.ApplyMaxAngle(120, "")

	require.Len(t, store.upserts, 1)
	require.Len(t, rec.maxAngles, 1)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.maxAngles[0], &out))
	assert.Equal(t, 120.0, out["max_angle"])
	assert.Equal(t, models.SourceBridge, out["source"])

	// own echo on the max_angle topic is a no-op
	s.ApplyMaxAngle(120, models.SourceBridge)
	assert.Len(t, store.upserts, 1)
	assert.Len(t, rec.maxAngles, 1)
}

func TestSensorsApplyAndPersist(t *testing.T) {
	s, store, _, _ := loadedSync(t, nil)

	s.ApplySensors(map[string]bool{models.SensorDHT11: true})
	require.Len(t, store.upserts, 1)
	require.NotNil(t, store.upserts[0].DHT11Enabled)
	assert.True(t, *store.upserts[0].DHT11Enabled)

	s.ApplySensors(map[string]bool{models.SensorDHT11: true})
	assert.Len(t, store.upserts, 1, "unchanged flag is a no-op")
}

func TestAnswerGetBroadcastsWithoutWrite(t *testing.T) {
	s, store, _, rec := loadedSync(t, nil)

	s.AnswerGet()

	assert.Empty(t, store.upserts)
	require.Len(t, rec.settings, 1)
	require.Len(t, rec.snapshots, 1)
}

func TestStoreFailureStillBroadcasts(t *testing.T) {
	store := &stubStore{upsertErr: errors.New("connection refused")}
	s, _, rec := newTestSync(store)
	require.NoError(t, s.Load())

	s.ApplyVent(true)

	require.Len(t, rec.storeErrs, 1)
	assert.Error(t, rec.storeErrs[0])
	assert.Len(t, rec.settings, 1, "listeners converge on the in-memory record")
}
