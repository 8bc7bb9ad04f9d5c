package ports

import (
	"context"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

// CatalogRepository reads the durable schema catalog.
type CatalogRepository interface {
	All(ctx context.Context) ([]domain.SchemaCatalogEntry, error)
}
