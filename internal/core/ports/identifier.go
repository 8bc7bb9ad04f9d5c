package ports

import "context"

// IDGenerator issues process-wide unique ids per record kind. Implementations
// must be safe for concurrent use.
type IDGenerator interface {
	GenerateID(ctx context.Context, kind string) (string, error)
}

// Record kinds passed to IDGenerator.
const (
	KindAuditRecord   = "audit_record"
	KindAuditProperty = "audit_property"
	KindCatalogEntry  = "catalog_entry"
	KindSnapshot      = "migration_snapshot"
	KindEvent         = "event"
)
