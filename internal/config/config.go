package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// TopicsConfig MQTT主题配置
//
// Prefix 是仪表盘主题前缀（wire protocol 的一部分，默认 home/dashboard）。
// 设备端主题独立于前缀，保留旧版 availability 主题用于兼容。
type TopicsConfig struct {
	Prefix             string
	DeviceAvailability string
	LegacyAvailability string
	DeviceHeartbeat    string
}

// CleanupConfig readings 表每日清理配置（可选）
type CleanupConfig struct {
	Enabled         bool
	Mode            string // "purge" 或 "truncate"
	PurgeDays       int
	Time            string // HH:mm，服务器本地时间
	TZOffsetMinutes int
}

// Config 服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Topics   TopicsConfig

	Bridge struct {
		SnapshotCacheKey    string
		ThresholdFlushDelay time.Duration
		Cleanup             CleanupConfig
	}

	Viewer struct {
		LiveBufferRetention time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "window_dashboard")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 0

	cfg.Topics.Prefix = getEnv("TOPIC_PREFIX", "home/dashboard")
	cfg.Topics.DeviceAvailability = getEnv("TOPIC_DEVICE_AVAILABILITY", "home/window/status")
	cfg.Topics.LegacyAvailability = getEnv("TOPIC_LEGACY_AVAILABILITY", "home/esp32/availability")
	cfg.Topics.DeviceHeartbeat = getEnv("TOPIC_DEVICE_HEARTBEAT", "home/window/heartbeat")

	cfg.Bridge.SnapshotCacheKey = getEnv("SNAPSHOT_CACHE_KEY", "window:settings:snapshot")
	cfg.Bridge.ThresholdFlushDelay = getEnvDuration("THRESHOLD_FLUSH_DELAY", 2*time.Second)
	cfg.Bridge.Cleanup.Enabled = getEnvBool("CLEANUP_ENABLED", false)
	cfg.Bridge.Cleanup.Mode = getEnv("CLEANUP_MODE", "purge")
	cfg.Bridge.Cleanup.PurgeDays = getEnvInt("CLEANUP_PURGE_DAYS", 1)
	cfg.Bridge.Cleanup.Time = getEnv("CLEANUP_TIME", "00:00")
	cfg.Bridge.Cleanup.TZOffsetMinutes = getEnvInt("CLEANUP_TZ_OFFSET_MINUTES", 0)

	cfg.Viewer.LiveBufferRetention = getEnvDuration("LIVE_BUFFER_RETENTION", 24*time.Hour)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
