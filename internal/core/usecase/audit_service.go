package usecase

import (
	"context"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
)

type AuditService struct {
	repo ports.AuditRepository
}

func NewAuditService(repo ports.AuditRepository) *AuditService {
	return &AuditService{repo: repo}
}

// List returns audit records in id order, oldest first.
func (s *AuditService) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error) {
	switch filter.State {
	case "", domain.StateAdded.String(), domain.StateModified.String(), domain.StateDeleted.String():
	default:
		return nil, domain.Invalid("unknown state %q", filter.State)
	}
	if filter.Before != "" && filter.After != "" {
		return nil, domain.Invalid("before and after are mutually exclusive")
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	return s.repo.List(ctx, filter)
}
