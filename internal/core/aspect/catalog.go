package aspect

import (
	"context"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/clock"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/id"
)

// CatalogAspect keeps the durable schema catalog in step with the live model.
//
// The per-identity lock is taken before the cache is read and released only
// after the supplementary flush, so two concurrent operations can never both
// decide to add the same table. If the operation fails after the cache was
// mutated, the identity's view is dropped and re-hydrated on the next run.
type CatalogAspect struct {
	repo          ports.CatalogRepository
	cache         *CatalogCache
	locks         *KeyedLocker
	ids           ports.IDGenerator
	clock         ports.Clock
	defaultSchema string
	logger        *zap.Logger
}

type CatalogAspectConfig struct {
	Repository    ports.CatalogRepository
	Cache         *CatalogCache
	Locks         *KeyedLocker
	IDs           ports.IDGenerator
	Clock         ports.Clock
	DefaultSchema string
	Logger        *zap.Logger
}

func NewCatalogAspect(cfg CatalogAspectConfig) *CatalogAspect {
	a := &CatalogAspect{
		repo:          cfg.Repository,
		cache:         cfg.Cache,
		locks:         cfg.Locks,
		ids:           cfg.IDs,
		clock:         cfg.Clock,
		defaultSchema: cfg.DefaultSchema,
		logger:        cfg.Logger,
	}
	if a.cache == nil {
		a.cache = NewCatalogCache()
	}
	if a.ids == nil {
		a.ids = id.NewUUIDGenerator()
	}
	if a.clock == nil {
		a.clock = clock.System{}
	}
	if a.locks == nil {
		a.locks = NewKeyedLocker()
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

func (a *CatalogAspect) Name() string {
	return "schema-catalog"
}

func (a *CatalogAspect) After(ctx context.Context, op *Operation) error {
	identity := op.Accessor
	unlock, err := a.locks.Lock(ctx, "catalog:"+identity)
	if err != nil {
		return err
	}
	mutated := false
	op.OnComplete(func(err error) {
		if err != nil && mutated {
			a.cache.Invalidate(identity)
			a.logger.Debug("catalog cache invalidated", zap.String("accessor", identity), zap.Error(err))
		}
		unlock()
	})

	if !a.cache.Hydrated(identity) {
		entries, err := a.repo.All(ctx)
		if err != nil {
			return err
		}
		a.cache.Hydrate(identity, entries)
		a.logger.Debug("catalog cache hydrated", zap.String("accessor", identity), zap.Int("entries", len(entries)))
	}

	adds, updates, err := a.diff(ctx, identity, op.Model)
	if err != nil {
		return err
	}
	if len(adds) == 0 && len(updates) == 0 {
		return nil
	}
	// Nothing has touched the cache yet; a canceled operation leaves it as is.
	if err := ctx.Err(); err != nil {
		return err
	}

	mutated = true
	for _, e := range adds {
		a.cache.Put(identity, e)
	}
	for _, e := range updates {
		a.cache.Put(identity, e)
	}
	op.Batch.CatalogAdds = append(op.Batch.CatalogAdds, adds...)
	op.Batch.CatalogUpdates = append(op.Batch.CatalogUpdates, updates...)
	op.RequestFlush()

	a.logger.Info("catalog changes staged",
		zap.String("accessor", identity),
		zap.Int("added", len(adds)),
		zap.Int("updated", len(updates)))
	payload := domain.CatalogChangedPayload{Added: catalogRefs(adds), Updated: catalogRefs(updates)}
	op.Emit(ctx, domain.EventCatalogChanged, func() any { return payload })
	return nil
}

// diff compares the live model with the cached view without mutating it.
func (a *CatalogAspect) diff(ctx context.Context, identity string, model domain.Model) (adds, updates []domain.SchemaCatalogEntry, err error) {
	actor := ActorFrom(ctx)
	now := a.clock.Now()
	staged := make(map[domain.CatalogKey]bool, len(model.Entities))

	for _, et := range model.Entities {
		live := a.Describe(et)
		key := live.Key()
		if staged[key] {
			continue
		}

		cached, ok := a.cache.Lookup(identity, key)
		if !ok {
			id, err := a.ids.GenerateID(ctx, ports.KindCatalogEntry)
			if err != nil {
				return nil, nil, err
			}
			live.ID = id
			live.CreatedTime = now
			live.CreatedBy = actor
			adds = append(adds, live)
			staged[key] = true
			continue
		}
		if cached.SameShape(live) {
			continue
		}

		cached.EntityName = live.EntityName
		cached.AssemblyName = live.AssemblyName
		cached.TableName = live.TableName
		cached.Description = live.Description
		cached.IsSharding = live.IsSharding
		updates = append(updates, cached)
		staged[key] = true
	}
	return adds, updates, nil
}

// Describe projects a live entity type onto a catalog entry, applying the
// table and schema defaults.
func (a *CatalogAspect) Describe(et domain.EntityType) domain.SchemaCatalogEntry {
	return domain.SchemaCatalogEntry{
		EntityName:   et.FullName,
		AssemblyName: et.Module,
		TableName:    tableName(et),
		Schema:       schemaName(et, a.defaultSchema),
		Description:  et.Description,
		IsSharding:   et.Sharding,
	}
}

func tableName(et domain.EntityType) string {
	if et.Table != "" {
		return et.Table
	}
	return et.Name
}

func schemaName(et domain.EntityType, fallback string) string {
	if et.Schema != "" {
		return et.Schema
	}
	return fallback
}

func catalogRefs(entries []domain.SchemaCatalogEntry) []domain.CatalogRef {
	refs := make([]domain.CatalogRef, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, domain.CatalogRef{ID: e.ID, Schema: e.Schema, TableName: e.TableName, EntityName: e.EntityName})
	}
	return refs
}
