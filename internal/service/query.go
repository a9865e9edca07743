package service

import (
	"context"
	"errors"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/repository"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/store"

	"go.uber.org/zap"
)

var (
	// ErrDeviceNotFound means neither the hot store nor the durable store know the device.
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDurableDisabled = errors.New("durable store is disabled")
)

// DeviceStatus is the liveness view of one device.
type DeviceStatus struct {
	MACAddress    string             `json:"mac_address"`
	Status        store.OnlineStatus `json:"status"`
	LastHeartbeat *int64             `json:"last_heartbeat,omitempty"`
	Maintenance   bool               `json:"maintenance"`
}

// QueryService serves the read side and operator actions of the HTTP API.
type QueryService struct {
	hot       store.HotStore
	devices   DeviceStore
	events    EventStore
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewQueryService(hot store.HotStore, devices DeviceStore, events EventStore, publisher Publisher, logger *zap.Logger) *QueryService {
	return &QueryService{
		hot:       hot,
		devices:   devices,
		events:    events,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// GetDeviceData returns the hot snapshot, falling back to the durable record
// once the snapshot has expired.
func (s *QueryService) GetDeviceData(ctx context.Context, mac string) (models.Telemetry, error) {
	snap, err := s.hot.GetSnapshot(ctx, mac)
	if err == nil {
		return snap.With(models.FieldMACAddress, mac), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if s.devices == nil {
		return nil, ErrDeviceNotFound
	}

	device, err := s.devices.FindByMAC(ctx, mac)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	ts := s.now().UnixMilli()
	if device.LastSeenAt != nil {
		ts = device.LastSeenAt.UnixMilli()
	}
	magnitude := 0.0
	if device.LastMagnitude != nil {
		magnitude = *device.LastMagnitude
	}
	return models.Telemetry{
		models.FieldMACAddress:      device.MACAddress,
		models.FieldTimestamp:       ts,
		models.FieldStatus:          device.Online,
		models.FieldImpactCount:     device.ImpactCount,
		models.FieldImpactMagnitude: magnitude,
		models.FieldFallDetected:    false,
		models.FieldButtonPressed:   false,
	}, nil
}

func (s *QueryService) GetHistory(ctx context.Context, mac string, count int) ([]models.Telemetry, error) {
	return s.hot.GetHistory(ctx, mac, count)
}

func (s *QueryService) GetStatus(ctx context.Context, mac string) (*DeviceStatus, error) {
	st, err := s.hot.GetOnlineStatus(ctx, mac)
	if err != nil {
		return nil, err
	}
	out := &DeviceStatus{MACAddress: mac, Status: st}

	last, ok, err := s.hot.GetLastHeartbeat(ctx, mac)
	if err != nil {
		return nil, err
	}
	if ok {
		out.LastHeartbeat = &last
	}

	if out.Maintenance, err = s.hot.IsInMaintenance(ctx, mac); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *QueryService) SetMaintenance(ctx context.Context, mac string, minutes int) error {
	if err := s.hot.SetMaintenance(ctx, mac, minutes); err != nil {
		return err
	}
	s.logger.Info("Maintenance window set",
		zap.String("mac_address", mac),
		zap.Int("minutes", minutes),
	)
	return nil
}

// RecentAlerts returns alerts recorded since the given time, oldest first.
func (s *QueryService) RecentAlerts(ctx context.Context, since time.Time) ([]models.AlertEvent, error) {
	return s.hot.GetRecentAlerts(ctx, since.UnixMilli())
}

// ResolveEvent marks a durable event resolved and tells the device's audience.
func (s *QueryService) ResolveEvent(ctx context.Context, id, resolvedBy int64) (*models.AlertEvent, error) {
	if s.events == nil {
		return nil, ErrDurableDisabled
	}
	ev, err := s.events.ResolveAlertEvent(ctx, id, resolvedBy)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Alert event resolved",
		zap.Int64("event_id", id),
		zap.Int64("resolved_by", resolvedBy),
		zap.String("mac_address", ev.DeviceMAC),
	)
	if s.publisher != nil {
		s.publisher.Broadcast(ctx, models.Envelope{Type: models.EventTypeResolved, Data: *ev})
	}
	return ev, nil
}
