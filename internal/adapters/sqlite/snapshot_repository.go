package sqlite

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

type SnapshotRepository struct {
	db *gormsqlite.DB
}

func NewSnapshotRepository(db *gormsqlite.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Latest picks by creation time, breaking ties on version.
func (r *SnapshotRepository) Latest(ctx context.Context, accessor string) (domain.MigrationSnapshotRecord, error) {
	var model snapshotModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("accessor_name = ?", accessor).
			Order("created_time DESC, version DESC").
			First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.MigrationSnapshotRecord{}, domain.ErrNotFound
		}
		return domain.MigrationSnapshotRecord{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return snapshotToDomain(model), nil
}

func (r *SnapshotRepository) Get(ctx context.Context, accessor string, version int64) (domain.MigrationSnapshotRecord, error) {
	var model snapshotModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("accessor_name = ? AND version = ?", accessor, version).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.MigrationSnapshotRecord{}, domain.ErrNotFound
		}
		return domain.MigrationSnapshotRecord{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snapshotToDomain(model), nil
}

func (r *SnapshotRepository) List(ctx context.Context, accessor string, limit int) ([]domain.MigrationSnapshotRecord, error) {
	var models []snapshotModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Where("accessor_name = ?", accessor).Order("version DESC")
		if limit > 0 {
			query = query.Limit(limit)
		}
		return query.Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	records := make([]domain.MigrationSnapshotRecord, 0, len(models))
	for _, m := range models {
		records = append(records, snapshotToDomain(m))
	}
	return records, nil
}
