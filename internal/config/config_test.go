package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSOrigins)
	assert.True(t, cfg.DBEnabled)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "stepguard", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 30*time.Minute, cfg.Database.ConnMaxLifetime)
	assert.False(t, cfg.Database.EnsureSchema)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "stepguard/#", cfg.MQTT.Topic)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)

	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Influx.Enabled)

	assert.Equal(t, "stepguard:", cfg.Cache.KeyPrefix)
	assert.Equal(t, time.Hour, cfg.Cache.SnapshotTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.HistoryTTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.StatusTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.AlertTTL)
	assert.Equal(t, 100, cfg.Cache.HistoryCapacity)
	assert.True(t, cfg.Cache.ClampHeartbeats)

	assert.Equal(t, 3*time.Minute, cfg.Liveness.OfflineThreshold)
	assert.Equal(t, time.Minute, cfg.Liveness.PollInterval)

	assert.Equal(t, "stepguard:alerts:stream", cfg.Notify.StreamName)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_HOST", "test-host")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("REDIS_ADDR", "test-redis:6380")
	t.Setenv("MQTT_TOPIC", "devices/#")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("HISTORY_CAPACITY", "25")
	t.Setenv("LIVENESS_OFFLINE_THRESHOLD", "90s")
	t.Setenv("LIVENESS_POLL_INTERVAL", "30s")
	t.Setenv("HEARTBEAT_CLAMP", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "devices/#", cfg.MQTT.Topic)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 25, cfg.Cache.HistoryCapacity)
	assert.Equal(t, 90*time.Second, cfg.Liveness.OfflineThreshold)
	assert.Equal(t, 30*time.Second, cfg.Liveness.PollInterval)
	assert.False(t, cfg.Cache.ClampHeartbeats)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsThresholdShorterThanPoll(t *testing.T) {
	os.Clearenv()
	t.Setenv("LIVENESS_OFFLINE_THRESHOLD", "10s")
	t.Setenv("LIVENESS_POLL_INTERVAL", "60s")

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "LIVENESS_OFFLINE_THRESHOLD")
}

func TestLoad_RejectsStatusTTLNotLongerThanThreshold(t *testing.T) {
	os.Clearenv()
	t.Setenv("STATUS_TTL", "1m")
	t.Setenv("LIVENESS_OFFLINE_THRESHOLD", "3m")
	t.Setenv("LIVENESS_POLL_INTERVAL", "60s")

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "STATUS_TTL")
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_PORT", "not-a-port")
	t.Setenv("SNAPSHOT_TTL", "forever")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, time.Hour, cfg.Cache.SnapshotTTL)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", c.GetDSN())
}

func TestGetEnv(t *testing.T) {
	os.Clearenv()
	assert.Equal(t, "default-value", getEnv("TEST_KEY", "default-value"))

	t.Setenv("TEST_KEY", "env-value")
	assert.Equal(t, "env-value", getEnv("TEST_KEY", "default-value"))
}
