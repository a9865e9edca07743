package service

import (
	"context"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/metrics"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/store"

	"go.uber.org/zap"
)

// StatusTracker keeps the cached online flag and the durable online column in
// step. Heartbeats touch only the cache; the durable store is written on the
// two edges of an online/offline cycle.
type StatusTracker struct {
	hot     store.HotStore
	devices DeviceStore // nil when the durable store is disabled
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewStatusTracker(hot store.HotStore, devices DeviceStore, logger *zap.Logger, m *metrics.Metrics) *StatusTracker {
	return &StatusTracker{
		hot:     hot,
		devices: devices,
		logger:  logger,
		metrics: m,
	}
}

// SyncTransition records the device as online or offline and reports whether
// this call crossed an edge. A previously unknown status counts as an edge.
func (t *StatusTracker) SyncTransition(ctx context.Context, mac string, online bool) (bool, error) {
	return t.sync(ctx, mac, online, true)
}

// SyncHeartbeat marks the device online after a heartbeat. wasIndexed tells
// whether the device already had a liveness score before this heartbeat; if so
// an expired status entry is only refreshed, since the device never went
// offline.
func (t *StatusTracker) SyncHeartbeat(ctx context.Context, mac string, wasIndexed bool) (bool, error) {
	return t.sync(ctx, mac, true, !wasIndexed)
}

func (t *StatusTracker) sync(ctx context.Context, mac string, online, unknownIsEdge bool) (bool, error) {
	prev, err := t.hot.SwapOnlineStatus(ctx, mac, online)
	if err != nil {
		return false, err
	}
	if prev == statusFor(online) {
		return false, nil
	}
	if prev == store.StatusUnknown && !unknownIsEdge {
		t.logger.Debug("Expired device status refreshed", zap.String("mac_address", mac))
		return false, nil
	}

	t.metrics.Transition(online)
	t.logger.Info("Device status transition",
		zap.String("mac_address", mac),
		zap.String("from", string(prev)),
		zap.String("to", string(statusFor(online))),
	)

	if t.devices != nil {
		if err := t.devices.SetDeviceOnline(ctx, mac, online); err != nil {
			t.metrics.BestEffortFailure("durable")
			t.logger.Error("Failed to sync device status to durable store",
				zap.String("mac_address", mac),
				zap.Bool("online", online),
				zap.Error(err),
			)
		}
	}
	return true, nil
}

func statusFor(online bool) store.OnlineStatus {
	if online {
		return store.StatusOnline
	}
	return store.StatusOffline
}
