package ports

import (
	"context"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

// LedgerWriter writes ledger records inside an open transaction. Unique key
// collisions are reported as domain.ErrConcurrencyConflict.
type LedgerWriter interface {
	AppendAudit(ctx context.Context, records []domain.AuditRecord) error
	AddCatalogEntries(ctx context.Context, entries []domain.SchemaCatalogEntry) error
	UpdateCatalogEntries(ctx context.Context, entries []domain.SchemaCatalogEntry) error
	AddSnapshot(ctx context.Context, record domain.MigrationSnapshotRecord) error
}
