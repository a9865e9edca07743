package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DirectoryRepository answers who owns a device and who watches that owner.
// Account management itself lives elsewhere; these are read-only lookups.
type DirectoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewDirectoryRepository(db *sql.DB, logger *zap.Logger) *DirectoryRepository {
	return &DirectoryRepository{
		db:     db,
		logger: logger,
	}
}

// FindOwnerOf returns the user currently assigned to the device. found is
// false for unclaimed devices.
func (r *DirectoryRepository) FindOwnerOf(ctx context.Context, mac string) (int64, bool, error) {
	query := `SELECT id FROM users WHERE device_mac = $1 ORDER BY id LIMIT 1`

	var id int64
	err := r.db.QueryRowContext(ctx, query, mac).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to query device owner: %w", err)
	}
	return id, true, nil
}

// FindAssignedObservers lists observer identities assigned to ownerID.
func (r *DirectoryRepository) FindAssignedObservers(ctx context.Context, ownerID int64) ([]int64, error) {
	query := `
		SELECT COALESCE(array_agg(observer_id ORDER BY observer_id), '{}')
		FROM observer_assignments
		WHERE user_id = $1
	`

	var ids pq.Int64Array
	if err := r.db.QueryRowContext(ctx, query, ownerID).Scan(&ids); err != nil {
		return nil, fmt.Errorf("failed to query assigned observers: %w", err)
	}
	return []int64(ids), nil
}
