package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	"go.uber.org/zap"
)

// ErrAlertEventNotFound is returned when resolving an unknown or already
// resolved event.
var ErrAlertEventNotFound = errors.New("alert event not found")

// AlertEventsRepository is the durable event store for fall and SOS events.
type AlertEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAlertEventsRepository(db *sql.DB, logger *zap.Logger) *AlertEventsRepository {
	return &AlertEventsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAlertEvent inserts a pending event and returns its id.
func (r *AlertEventsRepository) CreateAlertEvent(ctx context.Context, ev models.AlertEvent) (int64, error) {
	if ev.DeviceMAC == "" {
		return 0, fmt.Errorf("device_mac is required")
	}

	telemetry, err := json.Marshal(ev.Telemetry)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	var owner sql.NullInt64
	if ev.OwnerID != nil {
		owner = sql.NullInt64{Int64: *ev.OwnerID, Valid: true}
	}

	query := `
		INSERT INTO fall_events (device_mac, user_id, kind, severity, notes, status, telemetry, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	var id int64
	err = r.db.QueryRowContext(ctx, query,
		ev.DeviceMAC,
		owner,
		ev.Kind,
		ev.Severity,
		ev.Notes,
		models.AlertStatusPending,
		telemetry,
		ev.TriggeredAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create alert event: %w", err)
	}
	return id, nil
}

// ResolveAlertEvent marks a pending event resolved and returns the updated row.
func (r *AlertEventsRepository) ResolveAlertEvent(ctx context.Context, id, resolvedBy int64) (*models.AlertEvent, error) {
	query := `
		UPDATE fall_events
		SET status = $2, resolved_by = $3, resolved_at = NOW()
		WHERE id = $1 AND status <> $2
		RETURNING id, device_mac, user_id, kind, severity, notes, status, triggered_at, resolved_by, resolved_at
	`

	var ev models.AlertEvent
	var owner, resolver sql.NullInt64
	var notes sql.NullString
	var resolvedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, id, models.AlertStatusResolved, resolvedBy).Scan(
		&ev.ID,
		&ev.DeviceMAC,
		&owner,
		&ev.Kind,
		&ev.Severity,
		&notes,
		&ev.Status,
		&ev.TriggeredAt,
		&resolver,
		&resolvedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAlertEventNotFound
		}
		return nil, fmt.Errorf("failed to resolve alert event: %w", err)
	}

	if owner.Valid {
		ev.OwnerID = &owner.Int64
	}
	if resolver.Valid {
		ev.ResolvedBy = &resolver.Int64
	}
	if resolvedAt.Valid {
		ev.ResolvedAt = &resolvedAt.Time
	}
	ev.Notes = notes.String
	return &ev, nil
}
