package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/models"

	"github.com/go-redis/redis/v8"
)

// SnapshotStore 设置快照缓存：bridge在每次协调后写入，viewer冷启动时读取
type SnapshotStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewSnapshotStore 创建快照缓存。ttl为0表示不过期
func NewSnapshotStore(client *redis.Client, key string, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{client: client, key: key, ttl: ttl}
}

// Save 序列化并写入当前设置快照
func (s *SnapshotStore) Save(ctx context.Context, settings *models.CanonicalSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache settings snapshot: %w", err)
	}
	return nil
}

// Load 读取缓存的快照。缓存未命中返回(nil, nil)
func (s *SnapshotStore) Load(ctx context.Context) (*models.CanonicalSettings, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings snapshot: %w", err)
	}
	var settings models.CanonicalSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings snapshot: %w", err)
	}
	return &settings, nil
}
