package service

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/config"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/prober"
	"github.com/Psynolyn/auto-window-dashboard/internal/rediscache"
	"github.com/Psynolyn/auto-window-dashboard/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupViewer(t *testing.T) (*ViewerService, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	snapshots := rediscache.NewSnapshotStore(redisClient, "window:settings:snapshot", 0)

	cfg := &config.Config{}
	cfg.Topics.Prefix = "home/dashboard"
	cfg.Topics.DeviceAvailability = "home/window/status"
	cfg.Topics.LegacyAvailability = "home/esp32/availability"
	cfg.Topics.DeviceHeartbeat = "home/window/heartbeat"
	cfg.Viewer.LiveBufferRetention = 24 * time.Hour

	logger := zap.NewNop()
	svc := NewViewerService(cfg, logger,
		repository.NewSettingsRepository(db, logger),
		repository.NewReadingsRepository(db, logger),
		snapshots,
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.loop.Run(ctx)

	return svc, mock
}

func dialError() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestBootstrapPrefersSnapshotCache(t *testing.T) {
	svc, mock := setupViewer(t)

	require.NoError(t, svc.snapshots.Save(context.Background(), &models.CanonicalSettings{
		Threshold:  27.5,
		Angle:      45,
		MaxAngle:   120,
		GraphRange: "1h",
		Source:     models.SourceBridge,
	}))

	rows := sqlmock.NewRows([]string{"ts", "temperature", "humidity"}).
		AddRow(time.Now(), 21.0, 55.0)
	mock.ExpectQuery(`SELECT ts, temperature, humidity`).WillReturnRows(rows)

	svc.bootstrap(context.Background())

	st := svc.Snapshot()
	assert.Equal(t, 27.5, st.Settings.Threshold)
	assert.Equal(t, 120.0, st.Settings.MaxAngle)
	assert.Equal(t, 1, st.LivePoints)
	assert.False(t, st.WarningShown)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBootstrapFallsBackToStore(t *testing.T) {
	svc, mock := setupViewer(t)

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	settingsRows := sqlmock.NewRows([]string{"threshold", "vent", "auto", "angle", "max_angle",
		"graph_range", "dht11_enabled", "water_enabled", "hw416b_enabled", "ts"}).
		AddRow(25.0, true, false, 30.0, 180.0, "live", nil, nil, nil, ts)
	mock.ExpectQuery(`SELECT threshold, vent, auto`).WillReturnRows(settingsRows)
	mock.ExpectQuery(`SELECT ts, temperature, humidity`).
		WillReturnRows(sqlmock.NewRows([]string{"ts", "temperature", "humidity"}))

	svc.bootstrap(context.Background())

	st := svc.Snapshot()
	assert.Equal(t, 25.0, st.Settings.Threshold)
	assert.True(t, st.Settings.Vent)
	assert.False(t, st.WarningShown)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBootstrapStoreFailureShowsWarning(t *testing.T) {
	svc, mock := setupViewer(t)

	mock.ExpectQuery(`SELECT threshold, vent, auto`).WillReturnError(dialError())
	mock.ExpectQuery(`SELECT ts, temperature, humidity`).WillReturnError(dialError())

	svc.bootstrap(context.Background())

	st := svc.Snapshot()
	assert.True(t, st.WarningShown, "an unreachable store means the bridge path is down")
	assert.Equal(t, 23.0, st.Settings.Threshold, "settings stay at defaults")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryFeedsStoreOutcomeToProber(t *testing.T) {
	svc, mock := setupViewer(t)

	svc.loop.Post(func() {
		svc.prober.OnStatus(true)
		svc.prober.NoteStoreFailure(true)
	})
	require.True(t, svc.Snapshot().WarningShown)

	rows := sqlmock.NewRows([]string{"ts", "temperature", "humidity"}).
		AddRow(time.Now(), 21.0, 55.0)
	mock.ExpectQuery(`SELECT ts, temperature, humidity`).WillReturnRows(rows)

	points, err := svc.History(time.Hour)
	require.NoError(t, err)
	assert.Len(t, points, 1)

	st := svc.Snapshot()
	assert.False(t, st.WarningShown, "a good store round trip clears the warning")
	assert.Equal(t, prober.StateOnline, st.BridgeState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventOnlyDataSkipsLiveBuffer(t *testing.T) {
	svc, _ := setupViewer(t)

	svc.loop.Post(func() {
		svc.handleData("", []byte(`{"motion": true, "condition": false}`))
		svc.handleData("", []byte(`{"temperature": 21.5}`))
	})

	st := svc.Snapshot()
	assert.Equal(t, 1, st.LivePoints, "event-only payloads never become live points")
}

func TestIsNetworkError(t *testing.T) {
	assert.True(t, isNetworkError(dialError()))
	assert.True(t, isNetworkError(fmt.Errorf("failed to query latest settings: %w", dialError())))
	assert.True(t, isNetworkError(driver.ErrBadConn))
	assert.False(t, isNetworkError(errors.New(`pq: relation "settings" does not exist`)))
	assert.False(t, isNetworkError(nil))
}
