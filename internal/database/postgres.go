package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// NewPostgresDB opens the durable device store. ctx bounds the initial ping;
// the returned pool is not tied to it.
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	applyPoolLimits(db, cfg)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	if cfg.EnsureSchema {
		if err := EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.Int("max_conns", cfg.MaxConns),
		zap.Bool("ensure_schema", cfg.EnsureSchema),
	)
	return db, nil
}

func applyPoolLimits(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Close closes db if it was opened.
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
