package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the tables the repositories read and write, in dependency order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		mac_address    VARCHAR(17) PRIMARY KEY,
		display_name   TEXT NOT NULL,
		online         BOOLEAN NOT NULL DEFAULT FALSE,
		impact_count   BIGINT NOT NULL DEFAULT 0,
		last_magnitude DOUBLE PRECISION,
		last_seen_at   TIMESTAMPTZ,
		registered_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL,
		email      TEXT UNIQUE NOT NULL,
		device_mac VARCHAR(17) REFERENCES devices (mac_address) ON DELETE SET NULL
	)`,
	`CREATE TABLE IF NOT EXISTS observer_assignments (
		observer_id BIGINT NOT NULL,
		user_id     BIGINT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		PRIMARY KEY (observer_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS fall_events (
		id           BIGSERIAL PRIMARY KEY,
		device_mac   VARCHAR(17) NOT NULL,
		user_id      BIGINT REFERENCES users (id) ON DELETE SET NULL,
		kind         TEXT NOT NULL,
		severity     TEXT NOT NULL,
		notes        TEXT,
		status       TEXT NOT NULL,
		telemetry    JSONB,
		triggered_at TIMESTAMPTZ NOT NULL,
		resolved_by  BIGINT,
		resolved_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fall_events_device_mac ON fall_events (device_mac, triggered_at DESC)`,
}

// EnsureSchema creates any missing table in a single transaction. Existing
// tables are left untouched.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}
