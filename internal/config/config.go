package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseConfig Postgres connection settings for the durable device store.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int

	ConnMaxLifetime time.Duration
	// EnsureSchema creates missing tables at startup.
	EnsureSchema bool
}

// GetDSN builds a lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // e.g. "stepguard/#"
	QoS      byte
}

type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	TelemetryTopic string
	GroupID        string
	AlertTopic     string // empty disables the Kafka alert sink
}

type InfluxConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
}

// Config StepGuard service configuration
type Config struct {
	HTTP struct {
		Addr        string
		CORSOrigins []string
	}
	DBEnabled bool
	Database  DatabaseConfig
	Redis     RedisConfig
	MQTT      MQTTConfig
	Kafka     KafkaConfig
	Influx    InfluxConfig

	Auth struct {
		JWTSecret string
	}

	// Hot state cache tunables
	Cache struct {
		KeyPrefix       string
		SnapshotTTL     time.Duration
		HistoryTTL      time.Duration
		StatusTTL       time.Duration
		AlertTTL        time.Duration
		HistoryCapacity int
		ClampHeartbeats bool // keep the max heartbeat score on out-of-order packets
	}

	Liveness struct {
		OfflineThreshold time.Duration
		PollInterval     time.Duration
	}

	Notify struct {
		WebhookURL    string
		StreamEnabled bool
		StreamName    string
	}

	Stream struct {
		KeepAlive  time.Duration
		BufferSize int
	}

	Log struct {
		Level       string
		Format      string
		ServiceName string
	}
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.HTTP.CORSOrigins = splitList(getEnv("CORS_ORIGINS", "*"))

	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "stepguard")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)
	cfg.Database.ConnMaxLifetime = parseDuration(getEnv("DB_CONN_MAX_LIFETIME", "30m"), 30*time.Minute)
	cfg.Database.EnsureSchema = getEnv("DB_ENSURE_SCHEMA", "false") == "true"

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "true") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "stepguard-core")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "stepguard/#")
	cfg.MQTT.QoS = byte(parseInt(getEnv("MQTT_QOS", "1"), 1))

	cfg.Kafka.Enabled = getEnv("KAFKA_ENABLED", "false") == "true"
	cfg.Kafka.Brokers = splitList(getEnv("KAFKA_BROKERS", "localhost:9092"))
	cfg.Kafka.TelemetryTopic = getEnv("KAFKA_TELEMETRY_TOPIC", "stepguard.telemetry")
	cfg.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", "stepguard-core")
	cfg.Kafka.AlertTopic = getEnv("KAFKA_ALERT_TOPIC", "")

	cfg.Influx.Enabled = getEnv("INFLUX_ENABLED", "false") == "true"
	cfg.Influx.URL = getEnv("INFLUXDB_URL", "http://localhost:8086")
	cfg.Influx.Token = getEnv("INFLUXDB_TOKEN", "")
	cfg.Influx.Org = getEnv("INFLUXDB_ORG", "stepguard")
	cfg.Influx.Bucket = getEnv("INFLUXDB_BUCKET", "telemetry")

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", "")

	cfg.Cache.KeyPrefix = getEnv("CACHE_KEY_PREFIX", "stepguard:")
	cfg.Cache.SnapshotTTL = parseDuration(getEnv("SNAPSHOT_TTL", "1h"), time.Hour)
	cfg.Cache.HistoryTTL = parseDuration(getEnv("HISTORY_TTL", "24h"), 24*time.Hour)
	cfg.Cache.StatusTTL = parseDuration(getEnv("STATUS_TTL", "5m"), 5*time.Minute)
	cfg.Cache.AlertTTL = parseDuration(getEnv("ALERT_TTL", "24h"), 24*time.Hour)
	cfg.Cache.HistoryCapacity = parseInt(getEnv("HISTORY_CAPACITY", "100"), 100)
	cfg.Cache.ClampHeartbeats = getEnv("HEARTBEAT_CLAMP", "true") == "true"

	cfg.Liveness.OfflineThreshold = parseDuration(getEnv("LIVENESS_OFFLINE_THRESHOLD", "3m"), 3*time.Minute)
	cfg.Liveness.PollInterval = parseDuration(getEnv("LIVENESS_POLL_INTERVAL", "60s"), time.Minute)

	cfg.Notify.WebhookURL = getEnv("WEBHOOK_URL", "")
	cfg.Notify.StreamEnabled = getEnv("ALERT_STREAM_ENABLED", "false") == "true"
	cfg.Notify.StreamName = getEnv("ALERT_STREAM_NAME", "stepguard:alerts:stream")

	cfg.Stream.KeepAlive = parseDuration(getEnv("SSE_KEEPALIVE", "25s"), 25*time.Second)
	cfg.Stream.BufferSize = parseInt(getEnv("SSE_BUFFER", "16"), 16)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.ServiceName = getEnv("SERVICE_NAME", "stepguard-core")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations that would make the liveness monitor flap,
// let the cached status expire under a healthy device, or leave the history
// list unbounded.
func (c *Config) Validate() error {
	if c.Cache.HistoryCapacity <= 0 {
		return fmt.Errorf("HISTORY_CAPACITY must be positive, got %d", c.Cache.HistoryCapacity)
	}
	if c.Liveness.PollInterval <= 0 {
		return fmt.Errorf("LIVENESS_POLL_INTERVAL must be positive")
	}
	if c.Liveness.OfflineThreshold < c.Liveness.PollInterval {
		return fmt.Errorf("LIVENESS_OFFLINE_THRESHOLD (%s) must not be shorter than LIVENESS_POLL_INTERVAL (%s)",
			c.Liveness.OfflineThreshold, c.Liveness.PollInterval)
	}
	if c.Cache.StatusTTL <= c.Liveness.OfflineThreshold {
		return fmt.Errorf("STATUS_TTL (%s) must be longer than LIVENESS_OFFLINE_THRESHOLD (%s)",
			c.Cache.StatusTTL, c.Liveness.OfflineThreshold)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
