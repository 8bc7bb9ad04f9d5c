package aspect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/clock"
)

type order struct {
	ID       int64
	Status   string
	Total    float64
	Customer string
	Note     *string
	Revision int
}

type stampedOrder struct {
	order
	by string
	at time.Time
}

func (o stampedOrder) AuditActor() string   { return o.by }
func (o stampedOrder) AuditTime() time.Time { return o.at }

type sessionToken struct{}

func (sessionToken) NotAudited() {}

func orderProps(o order, orig order) []domain.PropertyEntry {
	return []domain.PropertyEntry{
		{Name: "ID", TypeName: "int64", Current: o.ID, Original: orig.ID, PrimaryKey: true},
		{Name: "Status", TypeName: "string", Current: o.Status, Original: orig.Status},
		{Name: "Total", TypeName: "float64", Current: o.Total, Original: orig.Total},
		{Name: "Customer", TypeName: "string", Current: o.Customer, Original: orig.Customer},
		{Name: "Note", TypeName: "*string", Current: o.Note, Original: orig.Note},
		{Name: "Revision", TypeName: "int", Current: o.Revision, Original: orig.Revision, ConcurrencyToken: true},
	}
}

func change(entity any, state domain.EntityState, props []domain.PropertyEntry) domain.EntityChange {
	ot := orderType()
	return domain.EntityChange{Entity: entity, Type: &ot, State: state, Properties: props}
}

func runAudit(t *testing.T, ctx context.Context, changes ...domain.EntityChange) *Operation {
	t.Helper()
	a := NewAuditAspect(&seqIDs{}, clock.NewFixed(testEpoch), nil)
	op := NewOperation(OperationSave, "Shop", model("Shop", orderType()), changes)
	require.NoError(t, a.Before(ctx, op))
	return op
}

func propsByName(rec domain.AuditRecord) map[string]domain.AuditPropertyRecord {
	out := make(map[string]domain.AuditPropertyRecord, len(rec.Properties))
	for _, p := range rec.Properties {
		out[p.PropertyName] = p
	}
	return out
}

func TestAuditAddedEntityRecordsNewValues(t *testing.T) {
	o := order{ID: 42, Status: "Pending", Total: 19.5, Customer: "ACME"}
	op := runAudit(t, WithActor(context.Background(), "alice"), change(&o, domain.StateAdded, orderProps(o, order{})))

	records := op.Batch.TakeAudit()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "orders", rec.TableName)
	assert.Equal(t, "shop.Order", rec.EntityTypeName)
	assert.Equal(t, domain.StateAdded, rec.State)
	assert.Equal(t, "Added", rec.StateName)
	assert.Equal(t, "42", rec.EntityID)
	assert.Equal(t, "alice", rec.CreatedBy)
	assert.Equal(t, testEpoch, rec.CreatedTime)

	props := propsByName(rec)
	require.Len(t, props, 5, "concurrency token must not be recorded")
	assert.NotContains(t, props, "Revision")
	for name, want := range map[string]string{"ID": "42", "Status": "Pending", "Total": "19.5", "Customer": "ACME"} {
		p := props[name]
		assert.Nil(t, p.OldValue, name)
		require.NotNil(t, p.NewValue, name)
		assert.Equal(t, want, *p.NewValue, name)
		assert.Equal(t, rec.ID, p.AuditRecordID)
	}
	assert.Nil(t, props["Note"].NewValue)
}

func TestAuditModifiedEntityRecordsOnlyChangedProperties(t *testing.T) {
	before := order{ID: 7, Status: "Pending", Total: 10, Customer: "ACME", Revision: 1}
	after := before
	after.Status = "Shipped"
	after.Revision = 2

	op := runAudit(t, context.Background(), change(&after, domain.StateModified, orderProps(after, before)))

	records := op.Batch.TakeAudit()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "Modified", rec.StateName)
	assert.Equal(t, "7", rec.EntityID)
	assert.Equal(t, DefaultActor, rec.CreatedBy)
	require.Len(t, rec.Properties, 1)
	p := rec.Properties[0]
	assert.Equal(t, "Status", p.PropertyName)
	assert.Equal(t, "string", p.PropertyTypeName)
	assert.Equal(t, "Pending", *p.OldValue)
	assert.Equal(t, "Shipped", *p.NewValue)
}

func TestAuditModifiedRecordsExactlyTheChangedSubset(t *testing.T) {
	note := "leave at door"
	before := order{ID: 1, Status: "Pending", Total: 10, Customer: "ACME"}
	after := order{ID: 1, Status: "Paid", Total: 12, Customer: "ACME", Note: &note}

	op := runAudit(t, context.Background(), change(&after, domain.StateModified, orderProps(after, before)))

	rec := op.Batch.TakeAudit()[0]
	props := propsByName(rec)
	assert.Len(t, props, 3)
	assert.Contains(t, props, "Status")
	assert.Contains(t, props, "Total")
	assert.Contains(t, props, "Note")
	assert.Nil(t, props["Note"].OldValue)
	assert.Equal(t, note, *props["Note"].NewValue)
}

func TestAuditModifiedWithoutDifferencesKeepsEmptyRecord(t *testing.T) {
	o := order{ID: 3, Status: "Pending"}
	op := runAudit(t, context.Background(), change(&o, domain.StateModified, orderProps(o, o)))

	records := op.Batch.TakeAudit()
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Properties)
}

func TestAuditDeletedEntityRecordsOldValuesAndOriginalKey(t *testing.T) {
	o := order{ID: 9, Status: "Cancelled", Customer: "ACME"}
	current := o
	current.ID = 0
	op := runAudit(t, context.Background(), change(&current, domain.StateDeleted, orderProps(current, o)))

	rec := op.Batch.TakeAudit()[0]
	assert.Equal(t, "Deleted", rec.StateName)
	assert.Equal(t, "9", rec.EntityID)
	for _, p := range rec.Properties {
		assert.Nil(t, p.NewValue, p.PropertyName)
	}
	assert.Equal(t, "Cancelled", *propsByName(rec)["Status"].OldValue)
}

func TestAuditSkipsUnchangedAndExcludedTypes(t *testing.T) {
	o := order{ID: 1}
	excludedType := orderType()
	excludedType.NotAudited = true

	op := runAudit(t, context.Background(),
		change(&o, domain.StateUnchanged, orderProps(o, o)),
		change(sessionToken{}, domain.StateAdded, orderProps(o, order{})),
		domain.EntityChange{Entity: &o, Type: &excludedType, State: domain.StateAdded, Properties: orderProps(o, order{})},
	)

	assert.Equal(t, 0, op.Batch.PendingAudit())
	assert.Empty(t, op.events())
}

func TestAuditPrefersEntityMetadata(t *testing.T) {
	stamped := stampedOrder{
		order: order{ID: 5, Status: "Pending"},
		by:    "importer",
		at:    time.Date(2023, 12, 24, 18, 0, 0, 0, time.FixedZone("EET", 2*3600)),
	}
	op := runAudit(t, WithActor(context.Background(), "alice"),
		change(stamped, domain.StateAdded, orderProps(stamped.order, order{})))

	rec := op.Batch.TakeAudit()[0]
	assert.Equal(t, "importer", rec.CreatedBy)
	assert.Equal(t, time.Date(2023, 12, 24, 16, 0, 0, 0, time.UTC), rec.CreatedTime)
}

func TestAuditResolvesStoreGeneratedKeysAfterCoreWrite(t *testing.T) {
	o := &order{Status: "Pending"}
	c := change(o, domain.StateAdded, orderProps(*o, order{}))
	c.CurrentKeys = func() []any { return []any{o.ID} }

	op := runAudit(t, context.Background(), c)

	// the store assigns the key during the core write
	o.ID = 1001
	rec := op.Batch.TakeAudit()[0]
	assert.Equal(t, "1001", rec.EntityID)
	assert.Equal(t, "1001", *propsByName(rec)["ID"].NewValue)
	assert.Equal(t, 0, op.Batch.PendingAudit())
	assert.Len(t, op.Audited(), 1)
}

func TestAuditIgnoresMigrateOperations(t *testing.T) {
	a := NewAuditAspect(&seqIDs{}, clock.NewFixed(testEpoch), nil)
	o := order{ID: 1}
	op := NewOperation(OperationMigrate, "Shop", model("Shop", orderType()), []domain.EntityChange{
		change(&o, domain.StateAdded, orderProps(o, order{})),
	})
	require.NoError(t, a.Before(context.Background(), op))
	assert.Equal(t, 0, op.Batch.PendingAudit())
}

func TestAuditRecordsLandWithTheCoreWriteAndAreAnnounced(t *testing.T) {
	h := newHarness(t)
	o := order{ID: 11, Status: "Pending"}
	m := model("Shop", orderType())

	_, err := h.save(context.Background(), m, change(&o, domain.StateAdded, orderProps(o, order{})))
	require.NoError(t, err)

	records := h.ledger.auditRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "11", records[0].EntityID)
	assert.Contains(t, h.publisher.types(), domain.EventAuditCaptured)
}

func TestAuditCoreFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	o := order{ID: 12}
	m := model("Shop", orderType())
	op := NewOperation(OperationSave, "Shop", m, []domain.EntityChange{change(&o, domain.StateAdded, orderProps(o, order{}))})

	err := h.pipeline.Execute(context.Background(), op, func(context.Context, *Operation) error {
		return domain.ErrConcurrencyConflict
	}, h.ledger.flush)

	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Empty(t, h.ledger.auditRecords())
	assert.Empty(t, h.publisher.types())
}
