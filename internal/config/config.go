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

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Config 地理围栏引擎配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 引擎特定配置
	Engine struct {
		// 位置上报订阅主题（如 "safenest/location/+"）
		LocationTopic string

		// 工作协程配置
		Workers struct {
			Count     int // 工作协程数量（按 user_id 哈希分配），默认 8
			QueueSize int // 每个工作协程的队列长度，默认 64
		}

		// 状态迟滞配置（边界抖动抑制）
		Hysteresis struct {
			ConfirmFixes int // 新分类需要连续保持的定位数，默认 2
		}

		// 定位有效性配置
		Fix struct {
			StalenessSec int // 两次定位间隔超过该秒数不再推导速度/朝向，默认 300
		}

		// 缓存配置
		Cache struct {
			StateKeyPrefix string // 成员状态缓存键前缀，如 "geofence:state:"
			StateTTL       int    // 成员状态缓存 TTL（秒），默认 3600
		}

		// 通知分发配置
		Dispatch struct {
			Stream       string // 通知流名称，如 "safenest:notifications"
			MaxRetries   int    // 可重试失败的最大重试次数，默认 3
			RetryBackoff time.Duration // 重试退避基准时间，默认 1s
			QueueSize    int    // 分发队列长度，默认 256
		}

		// 提醒扫描配置
		Reminder struct {
			Interval         time.Duration // 扫描间隔，默认 5 分钟
			MinOutside       time.Duration // 离开安全区多久后提醒，默认 30 分钟
			LockKey          string        // 分布式扫描锁键，如 "geofence:sweep:lock"
			RedeliveryGrace  time.Duration // 未送达事件重投的宽限期，默认 10 分钟
		}
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "safenest")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "safenest-geofence")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Engine.LocationTopic = getEnv("LOCATION_TOPIC", "safenest/location/+")

	cfg.Engine.Workers.Count = getEnvInt("ENGINE_WORKERS", 8)
	cfg.Engine.Workers.QueueSize = getEnvInt("ENGINE_WORKER_QUEUE", 64)

	cfg.Engine.Hysteresis.ConfirmFixes = getEnvInt("HYSTERESIS_CONFIRM_FIXES", 2)
	cfg.Engine.Fix.StalenessSec = getEnvInt("FIX_STALENESS_SEC", 300)

	cfg.Engine.Cache.StateKeyPrefix = getEnv("CACHE_STATE_PREFIX", "geofence:state:")
	cfg.Engine.Cache.StateTTL = getEnvInt("CACHE_STATE_TTL", 3600)

	cfg.Engine.Dispatch.Stream = getEnv("DISPATCH_STREAM", "safenest:notifications")
	cfg.Engine.Dispatch.MaxRetries = getEnvInt("DISPATCH_MAX_RETRIES", 3)
	cfg.Engine.Dispatch.RetryBackoff = getEnvDuration("DISPATCH_RETRY_BACKOFF", time.Second)
	cfg.Engine.Dispatch.QueueSize = getEnvInt("DISPATCH_QUEUE", 256)

	cfg.Engine.Reminder.Interval = getEnvDuration("REMINDER_INTERVAL", 5*time.Minute)
	cfg.Engine.Reminder.MinOutside = getEnvDuration("REMINDER_MIN_OUTSIDE", 30*time.Minute)
	cfg.Engine.Reminder.LockKey = getEnv("REMINDER_LOCK_KEY", "geofence:sweep:lock")
	cfg.Engine.Reminder.RedeliveryGrace = getEnvDuration("REDELIVERY_GRACE", 10*time.Minute)

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
