package sqlite

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
)

// LedgerWriter writes ledger rows through an open transaction.
type LedgerWriter struct {
	tx *gorm.DB
}

func NewLedgerWriter(tx *gorm.DB) *LedgerWriter {
	return &LedgerWriter{tx: tx}
}

// LedgerWriterFor matches the accessor's ledger factory signature.
func LedgerWriterFor(tx *gorm.DB) ports.LedgerWriter {
	return NewLedgerWriter(tx)
}

var _ ports.LedgerWriter = (*LedgerWriter)(nil)

func (w *LedgerWriter) AppendAudit(ctx context.Context, records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]auditRecordModel, 0, len(records))
	var props []auditPropertyModel
	for _, r := range records {
		m := toAuditModel(r)
		props = append(props, m.Properties...)
		m.Properties = nil
		models = append(models, m)
	}

	db := w.tx.WithContext(ctx)
	if err := db.Omit(clause.Associations).Create(&models).Error; err != nil {
		return fmt.Errorf("insert audit records: %w", mapWriteError(err))
	}
	if len(props) > 0 {
		if err := db.CreateInBatches(&props, 200).Error; err != nil {
			return fmt.Errorf("insert audit properties: %w", mapWriteError(err))
		}
	}
	return nil
}

func (w *LedgerWriter) AddCatalogEntries(ctx context.Context, entries []domain.SchemaCatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	models := make([]catalogEntryModel, 0, len(entries))
	for _, e := range entries {
		models = append(models, toCatalogModel(e))
	}
	if err := w.tx.WithContext(ctx).Create(&models).Error; err != nil {
		return fmt.Errorf("insert catalog entries: %w", mapWriteError(err))
	}
	return nil
}

func (w *LedgerWriter) UpdateCatalogEntries(ctx context.Context, entries []domain.SchemaCatalogEntry) error {
	db := w.tx.WithContext(ctx)
	for _, e := range entries {
		res := db.Model(&catalogEntryModel{}).
			Where("id = ?", e.ID).
			Updates(map[string]any{
				"entity_name":   e.EntityName,
				"assembly_name": e.AssemblyName,
				"description":   e.Description,
				"is_sharding":   e.IsSharding,
			})
		if res.Error != nil {
			return fmt.Errorf("update catalog entry %s: %w", e.Key(), mapWriteError(res.Error))
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("update catalog entry %s: %w", e.Key(), domain.ErrConcurrencyConflict)
		}
	}
	return nil
}

func (w *LedgerWriter) AddSnapshot(ctx context.Context, record domain.MigrationSnapshotRecord) error {
	model := toSnapshotModel(record)
	if err := w.tx.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("insert snapshot %s v%d: %w", record.AccessorName, record.Version, mapWriteError(err))
	}
	return nil
}

// mapWriteError reports unique key collisions as domain.ErrConcurrencyConflict.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if gormsqlite.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
	}
	return err
}
