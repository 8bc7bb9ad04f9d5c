package sqlite

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

type CatalogRepository struct {
	db *gormsqlite.DB
}

func NewCatalogRepository(db *gormsqlite.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

func (r *CatalogRepository) All(ctx context.Context) ([]domain.SchemaCatalogEntry, error) {
	var models []catalogEntryModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Order("schema_name ASC, table_name ASC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load schema catalog: %w", err)
	}

	entries := make([]domain.SchemaCatalogEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, catalogToDomain(m))
	}
	return entries, nil
}
