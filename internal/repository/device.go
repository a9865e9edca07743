package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	"go.uber.org/zap"
)

// ErrDeviceNotFound is returned by FindByMAC for unknown devices.
var ErrDeviceNotFound = errors.New("device not found")

// DeviceRepository persists the durable per-device aggregate.
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

const deviceColumns = `mac_address, display_name, online, impact_count, last_magnitude, last_seen_at, registered_at`

// UpsertDeviceCounters refreshes counters and last-seen for a known device.
// Returns (nil, nil) when the device has no durable record yet.
func (r *DeviceRepository) UpsertDeviceCounters(ctx context.Context, mac string, impactCount int64, magnitude *float64) (*models.Device, error) {
	query := `
		UPDATE devices
		SET impact_count = $2,
			last_magnitude = COALESCE($3, last_magnitude),
			last_seen_at = NOW()
		WHERE mac_address = $1
		RETURNING ` + deviceColumns

	var mag sql.NullFloat64
	if magnitude != nil {
		mag = sql.NullFloat64{Float64: *magnitude, Valid: true}
	}

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, mac, impactCount, mag))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update device counters: %w", err)
	}
	return device, nil
}

// CreateDevice registers a device on first contact. A concurrent creation of
// the same MAC is not an error.
func (r *DeviceRepository) CreateDevice(ctx context.Context, mac, displayName string) error {
	query := `
		INSERT INTO devices (mac_address, display_name, online, impact_count, registered_at)
		VALUES ($1, $2, TRUE, 0, NOW())
		ON CONFLICT (mac_address) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, mac, displayName); err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	r.logger.Info("Device auto-registered",
		zap.String("mac_address", mac),
		zap.String("display_name", displayName),
	)
	return nil
}

func (r *DeviceRepository) SetDeviceOnline(ctx context.Context, mac string, online bool) error {
	query := `UPDATE devices SET online = $2, last_seen_at = NOW() WHERE mac_address = $1`
	if !online {
		query = `UPDATE devices SET online = $2 WHERE mac_address = $1`
	}
	if _, err := r.db.ExecContext(ctx, query, mac, online); err != nil {
		return fmt.Errorf("failed to set device online flag: %w", err)
	}
	return nil
}

func (r *DeviceRepository) FindByMAC(ctx context.Context, mac string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE mac_address = $1`
	device, err := scanDevice(r.db.QueryRowContext(ctx, query, mac))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return device, nil
}

func scanDevice(row *sql.Row) (*models.Device, error) {
	var d models.Device
	var mag sql.NullFloat64
	var lastSeen sql.NullTime
	if err := row.Scan(
		&d.MACAddress,
		&d.DisplayName,
		&d.Online,
		&d.ImpactCount,
		&mag,
		&lastSeen,
		&d.RegisteredAt,
	); err != nil {
		return nil, err
	}
	if mag.Valid {
		d.LastMagnitude = &mag.Float64
	}
	if lastSeen.Valid {
		d.LastSeenAt = &lastSeen.Time
	}
	return &d, nil
}
