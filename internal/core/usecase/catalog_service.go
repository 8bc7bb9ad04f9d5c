package usecase

import (
	"context"
	"sort"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
)

type CatalogService struct {
	repo ports.CatalogRepository
}

func NewCatalogService(repo ports.CatalogRepository) *CatalogService {
	return &CatalogService{repo: repo}
}

// List returns the durable catalog ordered by schema and table.
func (s *CatalogService) List(ctx context.Context) ([]domain.SchemaCatalogEntry, error) {
	entries, err := s.repo.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Schema != entries[j].Schema {
			return entries[i].Schema < entries[j].Schema
		}
		return entries[i].TableName < entries[j].TableName
	})
	return entries, nil
}
