package ports

import (
	"context"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

type SnapshotRepository interface {
	// Latest returns the most recently created snapshot for the accessor or
	// domain.ErrNotFound when the history is empty.
	Latest(ctx context.Context, accessor string) (domain.MigrationSnapshotRecord, error)
	Get(ctx context.Context, accessor string, version int64) (domain.MigrationSnapshotRecord, error)
	List(ctx context.Context, accessor string, limit int) ([]domain.MigrationSnapshotRecord, error)
}
