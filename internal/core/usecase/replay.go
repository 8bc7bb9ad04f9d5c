package usecase

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

// ReplayAudit feeds every audit record matching filter to applyFn, oldest
// first, paging batchSize records at a time. filter.After may resume a
// previous replay; filter.Before and filter.Limit are ignored.
func ReplayAudit(ctx context.Context, audit *AuditService, filter domain.AuditFilter, batchSize int, applyFn func(domain.AuditRecord) error) error {
	filter.Before = ""
	filter.Limit = batchSize
	for {
		records, err := audit.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("list audit records: %w", err)
		}
		if len(records) == 0 {
			return nil
		}

		for _, rec := range records {
			if err := applyFn(rec); err != nil {
				return fmt.Errorf("apply audit record %s: %w", rec.ID, err)
			}
			filter.After = rec.ID
		}
	}
}
