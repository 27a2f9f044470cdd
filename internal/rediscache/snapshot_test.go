package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSnapshotStore(t *testing.T) (*miniredis.Miniredis, *SnapshotStore) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, NewSnapshotStore(redisClient, "window:settings:snapshot", time.Minute)
}

func TestSnapshotRoundTrip(t *testing.T) {
	_, store := setupSnapshotStore(t)
	ctx := context.Background()

	on := true
	saved := &models.CanonicalSettings{
		Threshold:    26.5,
		Vent:         true,
		Angle:        45,
		MaxAngle:     120,
		GraphRange:   "1h",
		DHT11Enabled: &on,
		Source:       models.SourceBridge,
	}
	require.NoError(t, store.Save(ctx, saved))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 26.5, loaded.Threshold)
	assert.True(t, loaded.Vent)
	assert.Equal(t, 120.0, loaded.MaxAngle)
	require.NotNil(t, loaded.DHT11Enabled)
	assert.True(t, *loaded.DHT11Enabled)
}

func TestLoadMissingKeyReturnsNil(t *testing.T) {
	_, store := setupSnapshotStore(t)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded, "a cold cache is not an error")
}

func TestLoadCorruptValueFails(t *testing.T) {
	mr, store := setupSnapshotStore(t)
	require.NoError(t, mr.Set("window:settings:snapshot", "not json"))

	_, err := store.Load(context.Background())
	assert.Error(t, err)
}
