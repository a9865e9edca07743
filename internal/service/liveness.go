package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/store"

	"go.uber.org/zap"
)

// LivenessMonitor demotes devices whose last heartbeat is older than the
// offline threshold.
type LivenessMonitor struct {
	hot          store.HotStore
	tracker      *StatusTracker
	threshold    time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewLivenessMonitor(hot store.HotStore, tracker *StatusTracker, threshold, pollInterval time.Duration, logger *zap.Logger) *LivenessMonitor {
	return &LivenessMonitor{
		hot:          hot,
		tracker:      tracker,
		threshold:    threshold,
		pollInterval: pollInterval,
		logger:       logger,
		now:          time.Now,
	}
}

// Start runs one check immediately, then one per poll interval until ctx is done.
func (m *LivenessMonitor) Start(ctx context.Context) error {
	m.logger.Info("Liveness monitor started",
		zap.Duration("poll_interval", m.pollInterval),
		zap.Duration("offline_threshold", m.threshold),
	)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	if _, err := m.CheckOnce(ctx); err != nil {
		m.logger.Error("Failed to check liveness on startup", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Liveness monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.CheckOnce(ctx); err != nil {
				m.logger.Error("Failed to check liveness", zap.Error(err))
			}
		}
	}
}

// CheckOnce demotes every expired device and returns how many were processed.
// A device is demoted only if its heartbeat is still stale when removed from
// the index. A failure on one device does not stop the others.
func (m *LivenessMonitor) CheckOnce(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.threshold).UnixMilli()
	expired, err := m.hot.GetExpiredHeartbeats(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired heartbeats: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	m.logger.Debug("Expired heartbeats found", zap.Int("count", len(expired)))

	processed := 0
	for _, mac := range expired {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}

		removed, err := m.hot.RemoveHeartbeatIfOlder(ctx, mac, cutoff)
		if err != nil {
			m.logger.Error("Failed to remove heartbeat",
				zap.String("mac_address", mac),
				zap.Error(err),
			)
			continue
		}
		if !removed {
			m.logger.Debug("Heartbeat refreshed during check, device kept online", zap.String("mac_address", mac))
			continue
		}
		if _, err := m.tracker.SyncTransition(ctx, mac, false); err != nil {
			m.logger.Error("Failed to mark device offline",
				zap.String("mac_address", mac),
				zap.Error(err),
			)
			continue
		}
		processed++
		m.logger.Info("Device marked offline (heartbeat timeout)", zap.String("mac_address", mac))
	}
	return processed, nil
}
