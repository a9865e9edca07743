package service

import (
	"context"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"
)

// DeviceStore is the durable per-device aggregate (see repository.DeviceRepository).
type DeviceStore interface {
	UpsertDeviceCounters(ctx context.Context, mac string, impactCount int64, magnitude *float64) (*models.Device, error)
	CreateDevice(ctx context.Context, mac, displayName string) error
	SetDeviceOnline(ctx context.Context, mac string, online bool) error
	FindByMAC(ctx context.Context, mac string) (*models.Device, error)
}

// EventStore is the durable alert event store.
type EventStore interface {
	CreateAlertEvent(ctx context.Context, ev models.AlertEvent) (int64, error)
	ResolveAlertEvent(ctx context.Context, id, resolvedBy int64) (*models.AlertEvent, error)
}

// OwnerLookup resolves the owner attached to durable alert events.
type OwnerLookup interface {
	FindOwnerOf(ctx context.Context, mac string) (int64, bool, error)
}

// Archiver stores readings in a time-series database.
type Archiver interface {
	Archive(ctx context.Context, mac string, t models.Telemetry, at time.Time) error
}

// Publisher pushes an envelope to connected observers.
type Publisher interface {
	Broadcast(ctx context.Context, env models.Envelope) int
}
