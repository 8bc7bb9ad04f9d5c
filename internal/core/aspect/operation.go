package aspect

import (
	"context"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
)

type OperationKind string

const (
	OperationSave    OperationKind = "save"
	OperationMigrate OperationKind = "migrate"
)

type phase int

const (
	phasePre phase = iota
	phasePost
)

// Operation carries one persistence operation through the pipeline. It is
// owned by a single caller and is not safe for concurrent use.
type Operation struct {
	Kind     OperationKind
	Accessor string
	Model    domain.Model
	Changes  []domain.EntityChange
	Batch    Batch

	phase      phase
	flush      bool
	preEvents  []pendingEvent
	postEvents []pendingEvent
	finalizers []func(error)
}

type pendingEvent struct {
	eventType string
	actor     string
	payload   func() any
}

func NewOperation(kind OperationKind, accessor string, model domain.Model, changes []domain.EntityChange) *Operation {
	return &Operation{Kind: kind, Accessor: accessor, Model: model, Changes: changes}
}

// RequestFlush asks the pipeline for one supplementary commit of the batch.
func (op *Operation) RequestFlush() {
	op.flush = true
}

func (op *Operation) FlushRequested() bool {
	return op.flush
}

// Emit queues a notification. payload is evaluated when the operation has
// completed, so it may reference state finalized by the core write.
func (op *Operation) Emit(ctx context.Context, eventType string, payload func() any) {
	evt := pendingEvent{eventType: eventType, actor: ActorFrom(ctx), payload: payload}
	if op.phase == phasePost {
		op.postEvents = append(op.postEvents, evt)
		return
	}
	op.preEvents = append(op.preEvents, evt)
}

// OnComplete registers fn to run once the current phase has finished, with
// the phase error (nil on success). Finalizers run last-registered first.
func (op *Operation) OnComplete(fn func(err error)) {
	op.finalizers = append(op.finalizers, fn)
}

// Audited returns the audit records written by the core operation.
func (op *Operation) Audited() []domain.AuditRecord {
	return op.Batch.audited
}

func (op *Operation) events() []pendingEvent {
	out := make([]pendingEvent, 0, len(op.preEvents)+len(op.postEvents))
	out = append(out, op.preEvents...)
	return append(out, op.postEvents...)
}

func (op *Operation) complete(err error) {
	fns := op.finalizers
	op.finalizers = nil
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i](err)
	}
}

func (op *Operation) beginPost() {
	op.phase = phasePost
	op.flush = false
	op.postEvents = nil
	op.Batch.CatalogAdds = nil
	op.Batch.CatalogUpdates = nil
	op.Batch.Snapshots = nil
}

// Batch holds ledger records staged by aspects.
type Batch struct {
	CatalogAdds    []domain.SchemaCatalogEntry
	CatalogUpdates []domain.SchemaCatalogEntry
	Snapshots      []domain.MigrationSnapshotRecord

	audit   []pendingAudit
	audited []domain.AuditRecord
}

type pendingAudit struct {
	record domain.AuditRecord
	change *domain.EntityChange
}

// QueueAudit stages an audit record built from change.
func (b *Batch) QueueAudit(record domain.AuditRecord, change *domain.EntityChange) {
	b.audit = append(b.audit, pendingAudit{record: record, change: change})
}

// PendingAudit reports how many audit records are waiting for the core write.
func (b *Batch) PendingAudit() int {
	return len(b.audit)
}

// TakeAudit drains queued audit records. Added entities have their keys
// re-read so identifiers assigned by the store during the core write land in
// the ledger.
func (b *Batch) TakeAudit() []domain.AuditRecord {
	if len(b.audit) == 0 {
		return nil
	}
	out := make([]domain.AuditRecord, 0, len(b.audit))
	for _, pa := range b.audit {
		rec := pa.record
		if pa.change != nil && pa.change.State == domain.StateAdded {
			refreshKeys(&rec, pa.change)
		}
		out = append(out, rec)
	}
	b.audit = nil
	b.audited = append(b.audited, out...)
	return out
}

func refreshKeys(rec *domain.AuditRecord, change *domain.EntityChange) {
	keys := change.Keys()
	rec.EntityID = FormatKeys(keys)

	i := 0
	for _, p := range change.Properties {
		if !p.PrimaryKey {
			continue
		}
		if i >= len(keys) {
			return
		}
		for j := range rec.Properties {
			if rec.Properties[j].PropertyName == p.Name {
				rec.Properties[j].NewValue = FormatValue(keys[i])
			}
		}
		i++
	}
}

func (b *Batch) Empty() bool {
	return len(b.audit) == 0 && len(b.CatalogAdds) == 0 && len(b.CatalogUpdates) == 0 && len(b.Snapshots) == 0
}

// WriteTo persists everything staged in the batch through w.
func (b *Batch) WriteTo(ctx context.Context, w ports.LedgerWriter) error {
	if records := b.TakeAudit(); len(records) > 0 {
		if err := w.AppendAudit(ctx, records); err != nil {
			return err
		}
	}
	if len(b.CatalogAdds) > 0 {
		if err := w.AddCatalogEntries(ctx, b.CatalogAdds); err != nil {
			return err
		}
	}
	if len(b.CatalogUpdates) > 0 {
		if err := w.UpdateCatalogEntries(ctx, b.CatalogUpdates); err != nil {
			return err
		}
	}
	for _, s := range b.Snapshots {
		if err := w.AddSnapshot(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
