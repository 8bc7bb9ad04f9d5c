package accessor_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/accessor"
	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/aspect"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/clock"
	"github.com/atvirokodosprendimai/dbaspect/migrations"
)

type Customer struct {
	ID      int64  `gorm:"primaryKey"`
	Name    string `gorm:"not null"`
	Email   *string
	Version int64 `aspect:"concurrency"`
}

func (Customer) EntityDescription() string { return "Registered customers" }

type Ticket struct {
	Code  string `gorm:"primaryKey"`
	Title string
}

func (Ticket) TableName() string { return "tickets" }
func (Ticket) IsSharding() bool  { return true }

type LoginAttempt struct {
	ID   int64 `gorm:"primaryKey"`
	User string
}

func (LoginAttempt) NotAudited() {}

type recorder struct {
	mu     sync.Mutex
	events []domain.EventEnvelope
}

func (r *recorder) Publish(_ context.Context, _ string, evt domain.EventEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	db        *gormsqlite.DB
	pipeline  *aspect.Pipeline
	bus       *recorder
	audit     *sqlite.AuditRepository
	catalog   *sqlite.CatalogRepository
	snapshots *sqlite.SnapshotRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := gormsqlite.Open(filepath.Join(t.TempDir(), "shop.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	wdb, err := db.WriteSQLDB()
	require.NoError(t, err)
	require.NoError(t, migrations.Up(ctx, wdb))

	f := &fixture{
		db:        db,
		bus:       &recorder{},
		audit:     sqlite.NewAuditRepository(db),
		catalog:   sqlite.NewCatalogRepository(db),
		snapshots: sqlite.NewSnapshotRepository(db),
	}
	clk := clock.System{}
	f.pipeline = aspect.NewPipeline(
		aspect.WithPublisher(f.bus),
		aspect.WithClock(clk),
		aspect.WithConflictRetries(3, time.Millisecond),
	)
	f.pipeline.Register(aspect.NewAuditAspect(nil, clk, nil), aspect.PriorityAudit)
	f.pipeline.Register(aspect.NewCatalogAspect(aspect.CatalogAspectConfig{
		Repository:    f.catalog,
		Clock:         clk,
		DefaultSchema: "main",
	}), aspect.PriorityCatalog)
	snapshots, err := aspect.NewSnapshotAspect(aspect.SnapshotAspectConfig{
		Repository:    f.snapshots,
		Clock:         clk,
		DefaultSchema: "main",
	})
	require.NoError(t, err)
	f.pipeline.Register(snapshots, aspect.PriorityMigration)
	return f
}

func (f *fixture) accessor(t *testing.T, models ...any) *accessor.Accessor {
	t.Helper()
	acc, err := accessor.New("Shop", f.db,
		accessor.WithModels(models...),
		accessor.WithPipeline(f.pipeline),
		accessor.WithLedger(sqlite.LedgerWriterFor),
	)
	require.NoError(t, err)
	return acc
}

func (f *fixture) auditFor(t *testing.T, table string) []domain.AuditRecord {
	t.Helper()
	records, err := f.audit.List(context.Background(), domain.AuditFilter{TableName: table})
	require.NoError(t, err)
	return records
}

func property(rec domain.AuditRecord, name string) (domain.AuditPropertyRecord, bool) {
	for _, p := range rec.Properties {
		if p.PropertyName == name {
			return p, true
		}
	}
	return domain.AuditPropertyRecord{}, false
}

func strp(s string) *string { return &s }

func TestAccessorModelReadsTraits(t *testing.T) {
	f := newFixture(t)
	acc := f.accessor(t, &Customer{}, &Ticket{}, &LoginAttempt{})

	model := acc.Model()
	assert.Equal(t, "Shop", model.Accessor)
	require.Len(t, model.Entities, 3)

	customer := model.Entities[0]
	assert.Equal(t, "Customer", customer.Name)
	assert.Empty(t, customer.Table)
	assert.Equal(t, "Registered customers", customer.Description)
	var token []string
	for _, p := range customer.Properties {
		if p.ConcurrencyToken {
			token = append(token, p.Name)
		}
	}
	assert.Equal(t, []string{"Version"}, token)

	assert.Equal(t, "tickets", model.Entities[1].Table)
	assert.True(t, model.Entities[1].Sharding)
	assert.True(t, model.Entities[2].NotAudited)
}

type twoTokens struct {
	ID int64 `gorm:"primaryKey"`
	A  int64 `aspect:"concurrency"`
	B  int64 `aspect:"concurrency"`
}

type stringToken struct {
	ID  int64  `gorm:"primaryKey"`
	Tag string `aspect:"concurrency"`
}

type keyless struct {
	Name string
}

func TestAccessorRejectsInvalidModels(t *testing.T) {
	f := newFixture(t)
	for name, model := range map[string]any{
		"two tokens":   &twoTokens{},
		"string token": &stringToken{},
		"no key":       &keyless{},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := accessor.New("Shop", f.db,
				accessor.WithModels(model),
				accessor.WithLedger(sqlite.LedgerWriterFor))
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	_, err := accessor.New("Shop", f.db, accessor.WithModels(&Customer{}, Customer{}), accessor.WithLedger(sqlite.LedgerWriterFor))
	assert.ErrorIs(t, err, domain.ErrValidation, "duplicate registration")

	_, err = accessor.New("Shop", f.db, accessor.WithModels(&Customer{}))
	assert.ErrorIs(t, err, domain.ErrValidation, "ledger factory is required")
}

func TestMigrateCatalogsAndSnapshotsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := aspect.WithActor(context.Background(), "deployer")
	acc := f.accessor(t, &Customer{}, &Ticket{}, &LoginAttempt{})

	require.NoError(t, acc.Migrate(ctx))

	entries, err := f.catalog.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	tables := map[string]domain.SchemaCatalogEntry{}
	for _, e := range entries {
		assert.Equal(t, "main", e.Schema)
		assert.Equal(t, "deployer", e.CreatedBy)
		tables[e.TableName] = e
	}
	assert.Equal(t, "Registered customers", tables["Customer"].Description)
	assert.True(t, tables["tickets"].IsSharding)
	assert.Contains(t, tables, "LoginAttempt")

	latest, err := f.snapshots.Latest(ctx, "Shop")
	require.NoError(t, err)
	assert.EqualValues(t, 1, latest.Version)
	assert.Equal(t, "ShopModelSnapshot", latest.SnapshotTypeName)

	require.NoError(t, acc.Migrate(ctx))
	history, err := f.snapshots.List(ctx, "Shop", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	entries, err = f.catalog.All(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Empty(t, f.auditFor(t, "Customer"), "migrate is not audited")

	assert.Equal(t, 1, f.bus.count(domain.EventCatalogChanged))
	assert.Equal(t, 1, f.bus.count(domain.EventSnapshotCreated))
}

func TestMigrateWithChangedModelAppendsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.accessor(t, &Customer{}).Migrate(ctx))
	first, err := f.snapshots.Latest(ctx, "Shop")
	require.NoError(t, err)

	require.NoError(t, f.accessor(t, &Customer{}, &Ticket{}).Migrate(ctx))
	latest, err := f.snapshots.Latest(ctx, "Shop")
	require.NoError(t, err)
	assert.EqualValues(t, 2, latest.Version)
	assert.NotEqual(t, first.ContentHash, latest.ContentHash)

	entries, err := f.catalog.All(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSaveChangesAuditsAddModifyDelete(t *testing.T) {
	f := newFixture(t)
	ctx := aspect.WithActor(context.Background(), "alice")
	acc := f.accessor(t, &Customer{}, &Ticket{}, &LoginAttempt{})
	require.NoError(t, acc.Migrate(ctx))

	s := acc.NewSession()
	ada := &Customer{Name: "Ada"}
	require.NoError(t, s.Add(ada))
	n, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotZero(t, ada.ID)
	assert.EqualValues(t, 1, ada.Version)

	records := f.auditFor(t, "Customer")
	require.Len(t, records, 1)
	added := records[0]
	assert.Equal(t, "Added", added.StateName)
	assert.Equal(t, fmt.Sprint(ada.ID), added.EntityID)
	assert.Equal(t, "alice", added.CreatedBy)
	name, ok := property(added, "Name")
	require.True(t, ok)
	assert.Nil(t, name.OldValue)
	assert.Equal(t, strp("Ada"), name.NewValue)
	id, ok := property(added, "ID")
	require.True(t, ok)
	assert.Equal(t, strp(fmt.Sprint(ada.ID)), id.NewValue, "store generated key is captured")
	_, ok = property(added, "Version")
	assert.False(t, ok, "concurrency token is not audited")

	s2 := acc.NewSession()
	var loaded Customer
	require.NoError(t, s2.Find(ctx, &loaded, ada.ID))
	loaded.Name = "Grace"
	loaded.Email = strp("grace@example.com")
	_, err = s2.SaveChanges(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, loaded.Version)

	records = f.auditFor(t, "Customer")
	require.Len(t, records, 2)
	modified := records[1]
	assert.Equal(t, "Modified", modified.StateName)
	require.Len(t, modified.Properties, 2)
	name, _ = property(modified, "Name")
	assert.Equal(t, strp("Ada"), name.OldValue)
	assert.Equal(t, strp("Grace"), name.NewValue)
	email, _ := property(modified, "Email")
	assert.Nil(t, email.OldValue)
	assert.Equal(t, strp("grace@example.com"), email.NewValue)

	require.NoError(t, s2.Remove(&loaded))
	_, err = s2.SaveChanges(ctx)
	require.NoError(t, err)

	records = f.auditFor(t, "Customer")
	require.Len(t, records, 3)
	deleted := records[2]
	assert.Equal(t, "Deleted", deleted.StateName)
	assert.Equal(t, fmt.Sprint(ada.ID), deleted.EntityID)
	name, _ = property(deleted, "Name")
	assert.Equal(t, strp("Grace"), name.OldValue)
	assert.Nil(t, name.NewValue)

	var gone Customer
	assert.ErrorIs(t, acc.NewSession().Find(ctx, &gone, ada.ID), domain.ErrNotFound)
	assert.Equal(t, 3, f.bus.count(domain.EventAuditCaptured))
}

func TestSaveChangesSkipsNotAuditedTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.accessor(t, &Customer{}, &LoginAttempt{})
	require.NoError(t, acc.Migrate(ctx))

	s := acc.NewSession()
	require.NoError(t, s.Add(&LoginAttempt{User: "ada"}))
	require.NoError(t, s.Add(&Customer{Name: "Ada"}))
	n, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Empty(t, f.auditFor(t, "LoginAttempt"))
	assert.Len(t, f.auditFor(t, "Customer"), 1)
}

func TestUpdateDetachedEntityLoadsOriginals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.accessor(t, &Customer{})
	require.NoError(t, acc.Migrate(ctx))

	s := acc.NewSession()
	c := &Customer{Name: "Ada"}
	require.NoError(t, s.Add(c))
	_, err := s.SaveChanges(ctx)
	require.NoError(t, err)

	detached := &Customer{ID: c.ID, Name: "Lovelace", Version: c.Version}
	s2 := acc.NewSession()
	require.NoError(t, s2.Update(ctx, detached))
	_, err = s2.SaveChanges(ctx)
	require.NoError(t, err)

	records := f.auditFor(t, "Customer")
	require.Len(t, records, 2)
	name, ok := property(records[1], "Name")
	require.True(t, ok)
	assert.Equal(t, strp("Ada"), name.OldValue)
	assert.Equal(t, strp("Lovelace"), name.NewValue)

	err = acc.NewSession().Update(ctx, &Customer{ID: c.ID + 100, Name: "nobody"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStaleConcurrencyTokenConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.accessor(t, &Customer{})
	require.NoError(t, acc.Migrate(ctx))

	seed := acc.NewSession()
	require.NoError(t, seed.Add(&Customer{ID: 7, Name: "Ada"}))
	_, err := seed.SaveChanges(ctx)
	require.NoError(t, err)

	first, second := acc.NewSession(), acc.NewSession()
	var a, b Customer
	require.NoError(t, first.Find(ctx, &a, 7))
	require.NoError(t, second.Find(ctx, &b, 7))

	a.Name = "first"
	_, err = first.SaveChanges(ctx)
	require.NoError(t, err)

	b.Name = "second"
	_, err = second.SaveChanges(ctx)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.EqualValues(t, 1, b.Version, "token is restored after a failed save")

	records := f.auditFor(t, "Customer")
	assert.Len(t, records, 2, "failed save writes no audit record")

	var stored Customer
	require.NoError(t, acc.NewSession().Find(ctx, &stored, 7))
	assert.Equal(t, "first", stored.Name)
	assert.EqualValues(t, 2, stored.Version)
}

func TestDuplicateInsertConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.accessor(t, &Ticket{})
	require.NoError(t, acc.Migrate(ctx))

	s := acc.NewSession()
	require.NoError(t, s.Add(&Ticket{Code: "T-1", Title: "first"}))
	_, err := s.SaveChanges(ctx)
	require.NoError(t, err)

	dup := acc.NewSession()
	require.NoError(t, dup.Add(&Ticket{Code: "T-1", Title: "again"}))
	_, err = dup.SaveChanges(ctx)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Len(t, f.auditFor(t, "tickets"), 1)
}

func TestSessionTracking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.accessor(t, &Customer{})
	require.NoError(t, acc.Migrate(ctx))

	s := acc.NewSession()
	c := &Customer{Name: "Ada"}
	require.NoError(t, s.Add(c))
	require.ErrorIs(t, s.Add(c), domain.ErrValidation)
	require.NoError(t, s.Remove(c))
	assert.False(t, s.HasChanges())
	assert.Empty(t, s.Entries())

	n, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, s.Add(&Ticket{Code: "x"}), domain.ErrValidation, "unmapped type")
	assert.ErrorIs(t, s.Add(Customer{}), domain.ErrValidation, "not a pointer")

	require.NoError(t, s.Add(c))
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.False(t, s.HasChanges())

	c.Name = "Grace"
	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StateModified, entries[0].State)
	assert.Equal(t, []any{c.ID}, entries[0].Keys())
}

func TestConcurrentFirstSavesCatalogAndSnapshotOnce(t *testing.T) {
	f := newFixture(t)
	acc := f.accessor(t, &Customer{}, &Ticket{})
	require.NoError(t, f.db.W.AutoMigrate(&Customer{}, &Ticket{}))

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			s := acc.NewSession()
			if err := s.Add(&Customer{Name: fmt.Sprintf("customer-%d", i)}); err != nil {
				return err
			}
			_, err := s.SaveChanges(context.Background())
			return err
		})
	}
	require.NoError(t, g.Wait())

	ctx := context.Background()
	entries, err := f.catalog.All(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	history, err := f.snapshots.List(ctx, "Shop", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, f.auditFor(t, "Customer"), 8)
	assert.Equal(t, 1, f.bus.count(domain.EventSnapshotCreated))
}

// downstream is a post-save aspect whose failure can be switched on.
type downstream struct {
	fail   atomic.Bool
	cancel context.CancelFunc
}

func (*downstream) Name() string { return "downstream" }

func (d *downstream) After(ctx context.Context, _ *aspect.Operation) error {
	if d.cancel != nil {
		d.cancel()
		return ctx.Err()
	}
	if d.fail.Load() {
		return errors.New("downstream unavailable")
	}
	return nil
}

func TestPostSaveFailureKeepsCommittedWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.accessor(t, &Customer{})
	require.NoError(t, acc.Migrate(ctx))
	post := &downstream{}
	f.pipeline.Register(post, 300)

	s := acc.NewSession()
	c := &Customer{ID: 1, Name: "Ada"}
	require.NoError(t, s.Add(c))
	_, err := s.SaveChanges(ctx)
	require.NoError(t, err)

	post.fail.Store(true)
	c.Name = "Bob"
	n, err := s.SaveChanges(ctx)
	require.ErrorIs(t, err, domain.ErrPostCommit)
	assert.ErrorContains(t, err, "downstream unavailable")
	assert.NotErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 2, c.Version, "token matches the committed row")
	assert.False(t, s.HasChanges())

	var stored Customer
	require.NoError(t, acc.NewSession().Find(ctx, &stored, 1))
	assert.Equal(t, "Bob", stored.Name)
	assert.EqualValues(t, 2, stored.Version)
	assert.Len(t, f.auditFor(t, "Customer"), 2)

	post.fail.Store(false)
	c.Name = "Cy"
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err, "session keeps working after a post-save failure")
	assert.EqualValues(t, 3, c.Version)

	records := f.auditFor(t, "Customer")
	require.Len(t, records, 3)
	assert.Equal(t, []string{"Added", "Modified", "Modified"},
		[]string{records[0].StateName, records[1].StateName, records[2].StateName})
}

func TestCancellationDuringPostSaveKeepsCommittedWrite(t *testing.T) {
	f := newFixture(t)
	acc := f.accessor(t, &Customer{})
	require.NoError(t, acc.Migrate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.Register(&downstream{cancel: cancel}, 300)

	s := acc.NewSession()
	c := &Customer{ID: 5, Name: "Grace"}
	require.NoError(t, s.Add(c))
	n, err := s.SaveChanges(ctx)
	require.ErrorIs(t, err, domain.ErrPostCommit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
	assert.False(t, s.HasChanges())

	var stored Customer
	require.NoError(t, acc.NewSession().Find(context.Background(), &stored, 5))
	assert.EqualValues(t, 1, stored.Version)
	assert.Len(t, f.auditFor(t, "Customer"), 1)
	assert.Zero(t, f.bus.count(domain.EventAuditCaptured), "nothing is published for a failed operation")
}
