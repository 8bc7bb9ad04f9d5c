package ports

import (
	"context"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

type AuditRepository interface {
	List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error)
}
