package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned for snapshot and alert misses (expired or never written).
var ErrNotFound = errors.New("hot store: not found")

// OnlineStatus is the cached online flag. Unknown means the flag expired or was
// never written and must not be read as offline.
type OnlineStatus string

const (
	StatusOnline  OnlineStatus = "online"
	StatusOffline OnlineStatus = "offline"
	StatusUnknown OnlineStatus = "unknown"
)

func statusOf(online bool) OnlineStatus {
	if online {
		return StatusOnline
	}
	return StatusOffline
}

// HotStore is the low-latency per-device state: snapshot, bounded history,
// online flag, liveness index, alert log and maintenance flags.
type HotStore interface {
	PutSnapshot(ctx context.Context, mac string, t models.Telemetry) error
	GetSnapshot(ctx context.Context, mac string) (models.Telemetry, error)
	AppendHistory(ctx context.Context, mac string, t models.Telemetry, capacity int) error
	GetHistory(ctx context.Context, mac string, count int) ([]models.Telemetry, error)

	SetOnlineStatus(ctx context.Context, mac string, online bool) error
	GetOnlineStatus(ctx context.Context, mac string) (OnlineStatus, error)
	SwapOnlineStatus(ctx context.Context, mac string, online bool) (OnlineStatus, error)

	RecordHeartbeat(ctx context.Context, mac string, millis int64) error
	GetLastHeartbeat(ctx context.Context, mac string) (int64, bool, error)
	GetExpiredHeartbeats(ctx context.Context, thresholdMillis int64) ([]string, error)
	RemoveHeartbeat(ctx context.Context, mac string) error
	RemoveHeartbeatIfOlder(ctx context.Context, mac string, thresholdMillis int64) (bool, error)

	RecordAlert(ctx context.Context, ev models.AlertEvent) error
	GetLatestAlert(ctx context.Context, mac string) (*models.AlertEvent, error)
	GetRecentAlerts(ctx context.Context, sinceMillis int64) ([]models.AlertEvent, error)

	SetMaintenance(ctx context.Context, mac string, minutes int) error
	IsInMaintenance(ctx context.Context, mac string) (bool, error)
}

// Options tunes key layout and expiry.
type Options struct {
	KeyPrefix       string
	SnapshotTTL     time.Duration
	HistoryTTL      time.Duration
	StatusTTL       time.Duration
	AlertTTL        time.Duration
	ClampHeartbeats bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		KeyPrefix:       "stepguard:",
		SnapshotTTL:     time.Hour,
		HistoryTTL:      24 * time.Hour,
		StatusTTL:       5 * time.Minute,
		AlertTTL:        24 * time.Hour,
		ClampHeartbeats: true,
	}
}

// RedisHotStore implements HotStore on go-redis.
type RedisHotStore struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

func NewRedisHotStore(client *redis.Client, opts Options) *RedisHotStore {
	return &RedisHotStore{client: client, opts: opts, now: time.Now}
}

func (s *RedisHotStore) snapshotKey(mac string) string { return s.opts.KeyPrefix + "device:" + mac }
func (s *RedisHotStore) historyKey(mac string) string { return s.opts.KeyPrefix + "history:" + mac }
func (s *RedisHotStore) statusKey(mac string) string { return s.opts.KeyPrefix + "status:" + mac }
func (s *RedisHotStore) alertKey(mac string) string { return s.opts.KeyPrefix + "alert:" + mac }
func (s *RedisHotStore) maintenanceKey(mac string) string { return s.opts.KeyPrefix + "maintenance:" + mac }
func (s *RedisHotStore) heartbeatsKey() string { return s.opts.KeyPrefix + "heartbeats" }
func (s *RedisHotStore) alertLogKey() string { return s.opts.KeyPrefix + "fall_alerts" }

func (s *RedisHotStore) PutSnapshot(ctx context.Context, mac string, t models.Telemetry) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.snapshotKey(mac), data, s.opts.SnapshotTTL).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot for %s: %w", mac, err)
	}
	return nil
}

func (s *RedisHotStore) GetSnapshot(ctx context.Context, mac string) (models.Telemetry, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(mac)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", mac, err)
	}
	var t models.Telemetry
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return t, nil
}

// AppendHistory pushes head-first and trims to capacity in one MULTI so a
// reader never sees more than capacity entries.
func (s *RedisHotStore) AppendHistory(ctx context.Context, mac string, t models.Telemetry, capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("history capacity must be positive, got %d", capacity)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	key := s.historyKey(mac)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(capacity-1))
		pipe.Expire(ctx, key, s.opts.HistoryTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append history for %s: %w", mac, err)
	}
	return nil
}

// GetHistory returns up to count entries, newest first.
func (s *RedisHotStore) GetHistory(ctx context.Context, mac string, count int) ([]models.Telemetry, error) {
	if count <= 0 {
		return []models.Telemetry{}, nil
	}
	items, err := s.client.LRange(ctx, s.historyKey(mac), 0, int64(count-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", mac, err)
	}
	out := make([]models.Telemetry, 0, len(items))
	for _, item := range items {
		var t models.Telemetry
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisHotStore) SetOnlineStatus(ctx context.Context, mac string, online bool) error {
	if err := s.client.Set(ctx, s.statusKey(mac), string(statusOf(online)), s.opts.StatusTTL).Err(); err != nil {
		return fmt.Errorf("failed to write status for %s: %w", mac, err)
	}
	return nil
}

func (s *RedisHotStore) GetOnlineStatus(ctx context.Context, mac string) (OnlineStatus, error) {
	val, err := s.client.Get(ctx, s.statusKey(mac)).Result()
	if err != nil {
		if err == redis.Nil {
			return StatusUnknown, nil
		}
		return StatusUnknown, fmt.Errorf("failed to read status for %s: %w", mac, err)
	}
	return parseStatus(val), nil
}

// SwapOnlineStatus writes the flag and returns the value it replaced, atomically,
// so two concurrent heartbeats cannot both observe the offline->online edge.
func (s *RedisHotStore) SwapOnlineStatus(ctx context.Context, mac string, online bool) (OnlineStatus, error) {
	key := s.statusKey(mac)
	var prev *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		prev = pipe.GetSet(ctx, key, string(statusOf(online)))
		pipe.Expire(ctx, key, s.opts.StatusTTL)
		return nil
	})
	if err != nil && err != redis.Nil {
		return StatusUnknown, fmt.Errorf("failed to swap status for %s: %w", mac, err)
	}
	val, err := prev.Result()
	if err != nil {
		if err == redis.Nil {
			return StatusUnknown, nil
		}
		return StatusUnknown, fmt.Errorf("failed to swap status for %s: %w", mac, err)
	}
	return parseStatus(val), nil
}

func parseStatus(val string) OnlineStatus {
	switch OnlineStatus(val) {
	case StatusOnline:
		return StatusOnline
	case StatusOffline:
		return StatusOffline
	}
	return StatusUnknown
}

// RecordHeartbeat upserts the device's last-seen score. With clamping on, a
// late packet carrying an older timestamp never lowers the score.
func (s *RedisHotStore) RecordHeartbeat(ctx context.Context, mac string, millis int64) error {
	member := &redis.Z{Score: float64(millis), Member: mac}
	var err error
	if s.opts.ClampHeartbeats {
		err = s.client.ZAddArgs(ctx, s.heartbeatsKey(), redis.ZAddArgs{
			GT:      true,
			Members: []redis.Z{*member},
		}).Err()
	} else {
		err = s.client.ZAdd(ctx, s.heartbeatsKey(), member).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", mac, err)
	}
	return nil
}

func (s *RedisHotStore) GetLastHeartbeat(ctx context.Context, mac string) (int64, bool, error) {
	score, err := s.client.ZScore(ctx, s.heartbeatsKey(), mac).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read heartbeat for %s: %w", mac, err)
	}
	return int64(score), true, nil
}

// GetExpiredHeartbeats lists devices last seen strictly before thresholdMillis,
// stalest first.
func (s *RedisHotStore) GetExpiredHeartbeats(ctx context.Context, thresholdMillis int64) ([]string, error) {
	macs, err := s.client.ZRangeByScore(ctx, s.heartbeatsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(thresholdMillis, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read expired heartbeats: %w", err)
	}
	return macs, nil
}

func (s *RedisHotStore) RemoveHeartbeat(ctx context.Context, mac string) error {
	if err := s.client.ZRem(ctx, s.heartbeatsKey(), mac).Err(); err != nil {
		return fmt.Errorf("failed to remove heartbeat for %s: %w", mac, err)
	}
	return nil
}

// removeIfOlder drops KEYS[1] member ARGV[1] only while its score is below
// ARGV[2], so a heartbeat recorded after the expiry scan survives.
var removeIfOlder = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) < tonumber(ARGV[2]) then
	redis.call('ZREM', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// RemoveHeartbeatIfOlder removes mac from the liveness index if its score is
// still strictly before thresholdMillis. Reports whether it was removed.
func (s *RedisHotStore) RemoveHeartbeatIfOlder(ctx context.Context, mac string, thresholdMillis int64) (bool, error) {
	n, err := removeIfOlder.Run(ctx, s.client, []string{s.heartbeatsKey()}, mac, thresholdMillis).Int()
	if err != nil {
		return false, fmt.Errorf("failed to remove stale heartbeat for %s: %w", mac, err)
	}
	return n == 1, nil
}

// RecordAlert appends to the global alert log, drops entries older than the
// alert TTL and keeps the latest alert per device.
func (s *RedisHotStore) RecordAlert(ctx context.Context, ev models.AlertEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	now := s.now().UnixMilli()
	cutoff := now - s.opts.AlertTTL.Milliseconds()
	logKey := s.alertLogKey()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, logKey, &redis.Z{Score: float64(now), Member: string(data)})
		pipe.ZRemRangeByScore(ctx, logKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Set(ctx, s.alertKey(ev.DeviceMAC), data, s.opts.AlertTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record alert for %s: %w", ev.DeviceMAC, err)
	}
	return nil
}

func (s *RedisHotStore) GetLatestAlert(ctx context.Context, mac string) (*models.AlertEvent, error) {
	data, err := s.client.Get(ctx, s.alertKey(mac)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read alert for %s: %w", mac, err)
	}
	var ev models.AlertEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
	}
	return &ev, nil
}

// GetRecentAlerts returns alerts recorded at or after sinceMillis, oldest first.
func (s *RedisHotStore) GetRecentAlerts(ctx context.Context, sinceMillis int64) ([]models.AlertEvent, error) {
	items, err := s.client.ZRangeByScore(ctx, s.alertLogKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(sinceMillis, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent alerts: %w", err)
	}
	out := make([]models.AlertEvent, 0, len(items))
	for _, item := range items {
		var ev models.AlertEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisHotStore) SetMaintenance(ctx context.Context, mac string, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: maintenance minutes must be positive", models.ErrValidation)
	}
	ttl := time.Duration(minutes) * time.Minute
	if err := s.client.Set(ctx, s.maintenanceKey(mac), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set maintenance for %s: %w", mac, err)
	}
	return nil
}

func (s *RedisHotStore) IsInMaintenance(ctx context.Context, mac string) (bool, error) {
	n, err := s.client.Exists(ctx, s.maintenanceKey(mac)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read maintenance for %s: %w", mac, err)
	}
	return n > 0, nil
}
