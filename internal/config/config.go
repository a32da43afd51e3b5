package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
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

// Config 升级服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	HTTP struct {
		Addr string
	}

	// 升级服务特定配置
	Escalation struct {
		// 超时监控扫描间隔（秒），默认 30秒
		MonitorInterval int
		// 警报器过期清扫间隔（秒），默认 60秒
		ExpiryInterval int
		// 临界级别：达到后不再自动升级，警报器永不自动过期，默认 3
		CriticalCeiling int
		// 每级强度增量（百分比），默认 25
		IntensityStepPct int
		// 非临界警报器默认自动停止时间（分钟），默认 30
		AutoStopMinutes int
		// pending 呼叫硬截止（分钟），超过后置为 timed_out，默认 240
		HardCutoffMinutes int
		// 规则缓存刷新间隔（秒），默认 60秒
		RuleRefreshInterval int
		// 心跳过期阈值（秒）：超过视为离线，默认 90秒
		PresenceStaleSeconds int

		// Redis 键配置
		Cache struct {
			BreachKeyPrefix   string // 突破窗口去重键前缀，如 "escalation:breach:"
			SirenKeyPrefix    string // 按角色活跃警报器缓存键前缀，如 "escalation:sirens:"
			SirenTTL          int    // 警报器缓存 TTL（秒），默认 30秒
			PresenceKeyPrefix string // 在线状态键前缀，如 "escalation:presence:"
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

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "samia")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "samia-escalation")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8086")

	cfg.Escalation.MonitorInterval = getEnvInt("ESCALATION_MONITOR_INTERVAL", 30)
	cfg.Escalation.ExpiryInterval = getEnvInt("ESCALATION_EXPIRY_INTERVAL", 60)
	cfg.Escalation.CriticalCeiling = getEnvInt("ESCALATION_CRITICAL_CEILING", 3)
	cfg.Escalation.IntensityStepPct = getEnvInt("ESCALATION_INTENSITY_STEP", 25)
	cfg.Escalation.AutoStopMinutes = getEnvInt("ESCALATION_AUTO_STOP_MINUTES", 30)
	cfg.Escalation.HardCutoffMinutes = getEnvInt("ESCALATION_HARD_CUTOFF_MINUTES", 240)
	cfg.Escalation.RuleRefreshInterval = getEnvInt("ESCALATION_RULE_REFRESH_INTERVAL", 60)
	cfg.Escalation.PresenceStaleSeconds = getEnvInt("ESCALATION_PRESENCE_STALE_SECONDS", 90)

	cfg.Escalation.Cache.BreachKeyPrefix = getEnv("CACHE_BREACH_PREFIX", "escalation:breach:")
	cfg.Escalation.Cache.SirenKeyPrefix = getEnv("CACHE_SIREN_PREFIX", "escalation:sirens:")
	cfg.Escalation.Cache.SirenTTL = getEnvInt("CACHE_SIREN_TTL", 30)
	cfg.Escalation.Cache.PresenceKeyPrefix = getEnv("CACHE_PRESENCE_PREFIX", "escalation:presence:")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Escalation.CriticalCeiling < 1 {
		return nil, fmt.Errorf("ESCALATION_CRITICAL_CEILING must be >= 1")
	}

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
