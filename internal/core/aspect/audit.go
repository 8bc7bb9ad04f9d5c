package aspect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
	sysclock "github.com/atvirokodosprendimai/dbaspect/internal/platform/clock"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/id"
)

// AuditAspect turns the pending changes of a save into audit records. The
// records are queued on the batch and written by the core operation in the
// same transaction as the entity changes.
type AuditAspect struct {
	ids    ports.IDGenerator
	clock  ports.Clock
	logger *zap.Logger
}

func NewAuditAspect(ids ports.IDGenerator, clock ports.Clock, logger *zap.Logger) *AuditAspect {
	if ids == nil {
		ids = id.NewUUIDGenerator()
	}
	if clock == nil {
		clock = sysclock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditAspect{ids: ids, clock: clock, logger: logger}
}

func (a *AuditAspect) Name() string {
	return "audit-capture"
}

func (a *AuditAspect) Before(ctx context.Context, op *Operation) error {
	if op.Kind != OperationSave {
		return nil
	}

	queued := 0
	for i := range op.Changes {
		change := &op.Changes[i]
		if !audited(change) {
			continue
		}
		rec, err := a.capture(ctx, change)
		if err != nil {
			return err
		}
		op.Batch.QueueAudit(rec, change)
		queued++
	}
	if queued == 0 {
		return nil
	}

	a.logger.Debug("audit records queued", zap.String("accessor", op.Accessor), zap.Int("records", queued))
	op.Emit(ctx, domain.EventAuditCaptured, func() any {
		return auditPayload(op.Audited())
	})
	return nil
}

func audited(change *domain.EntityChange) bool {
	if !change.State.Audited() || change.Type == nil || change.Type.NotAudited {
		return false
	}
	if _, ok := change.Entity.(domain.NotAudited); ok {
		return false
	}
	return true
}

func (a *AuditAspect) capture(ctx context.Context, change *domain.EntityChange) (domain.AuditRecord, error) {
	recordID, err := a.ids.GenerateID(ctx, ports.KindAuditRecord)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	actor, at := a.metadata(ctx, change.Entity)

	rec := domain.AuditRecord{
		ID:             recordID,
		TableName:      change.TableName(),
		EntityTypeName: change.Type.FullName,
		State:          change.State,
		StateName:      change.State.String(),
		EntityID:       FormatKeys(change.Keys()),
		CreatedTime:    at,
		CreatedBy:      actor,
		Properties:     []domain.AuditPropertyRecord{},
	}

	for _, p := range change.Properties {
		if p.ConcurrencyToken {
			continue
		}
		var oldValue, newValue *string
		switch change.State {
		case domain.StateAdded:
			newValue = FormatValue(p.Current)
		case domain.StateDeleted:
			oldValue = FormatValue(p.Original)
		case domain.StateModified:
			oldValue = FormatValue(p.Original)
			newValue = FormatValue(p.Current)
			if sameValue(oldValue, newValue) {
				continue
			}
		}

		propertyID, err := a.ids.GenerateID(ctx, ports.KindAuditProperty)
		if err != nil {
			return domain.AuditRecord{}, err
		}
		rec.Properties = append(rec.Properties, domain.AuditPropertyRecord{
			ID:               propertyID,
			AuditRecordID:    recordID,
			PropertyName:     p.Name,
			PropertyTypeName: p.TypeName,
			OldValue:         oldValue,
			NewValue:         newValue,
		})
	}
	return rec, nil
}

// metadata prefers the entity's AuditMetadata trait, then the context actor
// and the clock.
func (a *AuditAspect) metadata(ctx context.Context, entity any) (string, time.Time) {
	actor := ActorFrom(ctx)
	at := a.clock.Now()
	if m, ok := entity.(domain.AuditMetadata); ok {
		if v := m.AuditActor(); v != "" {
			actor = v
		}
		if v := m.AuditTime(); !v.IsZero() {
			at = v.UTC()
		}
	}
	return actor, at
}

func auditPayload(records []domain.AuditRecord) domain.AuditCapturedPayload {
	refs := make([]domain.AuditRecordRef, 0, len(records))
	for _, r := range records {
		refs = append(refs, domain.AuditRecordRef{
			ID:         r.ID,
			TableName:  r.TableName,
			State:      r.StateName,
			EntityID:   r.EntityID,
			Properties: len(r.Properties),
		})
	}
	return domain.AuditCapturedPayload{Records: refs}
}
