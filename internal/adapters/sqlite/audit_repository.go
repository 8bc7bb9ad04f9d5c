package sqlite

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

type AuditRepository struct {
	db *gormsqlite.DB
}

func NewAuditRepository(db *gormsqlite.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// List returns matching records in id order with their property records.
// Before returns the page immediately preceding that id, still oldest first.
func (r *AuditRepository) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error) {
	var models []auditRecordModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&auditRecordModel{})
		if filter.TableName != "" {
			query = query.Where("table_name = ?", filter.TableName)
		}
		if filter.EntityID != "" {
			query = query.Where("entity_id = ?", filter.EntityID)
		}
		if filter.State != "" {
			query = query.Where("state_name = ?", filter.State)
		}
		if filter.After != "" {
			query = query.Where("id > ?", filter.After)
		}
		order := "id ASC"
		if filter.Before != "" {
			query = query.Where("id < ?", filter.Before)
			order = "id DESC"
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		return query.
			Preload("Properties", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
			Order(order).
			Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}

	records := make([]domain.AuditRecord, 0, len(models))
	for _, m := range models {
		records = append(records, auditToDomain(m))
	}
	if filter.Before != "" {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}
	return records, nil
}
