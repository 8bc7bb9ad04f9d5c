package aspect

import (
	"sort"
	"sync"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

// CatalogCache is the in-memory view of the durable schema catalog, one view
// per accessor identity. Check-then-act sequences over a view must run under
// that identity's catalog lock; the cache itself only guards its maps.
type CatalogCache struct {
	mu    sync.RWMutex
	views map[string]map[domain.CatalogKey]domain.SchemaCatalogEntry
}

func NewCatalogCache() *CatalogCache {
	return &CatalogCache{views: make(map[string]map[domain.CatalogKey]domain.SchemaCatalogEntry)}
}

func (c *CatalogCache) Hydrated(identity string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.views[identity]
	return ok
}

// Hydrate replaces the identity's view with entries loaded from the store.
func (c *CatalogCache) Hydrate(identity string, entries []domain.SchemaCatalogEntry) {
	view := make(map[domain.CatalogKey]domain.SchemaCatalogEntry, len(entries))
	for _, e := range entries {
		view[e.Key()] = e
	}
	c.mu.Lock()
	c.views[identity] = view
	c.mu.Unlock()
}

func (c *CatalogCache) Lookup(identity string, key domain.CatalogKey) (domain.SchemaCatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.views[identity][key]
	return e, ok
}

func (c *CatalogCache) Put(identity string, entry domain.SchemaCatalogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[identity]
	if !ok {
		view = make(map[domain.CatalogKey]domain.SchemaCatalogEntry)
		c.views[identity] = view
	}
	view[entry.Key()] = entry
}

// Invalidate drops the identity's view; the next reconciliation re-hydrates
// from the durable catalog.
func (c *CatalogCache) Invalidate(identity string) {
	c.mu.Lock()
	delete(c.views, identity)
	c.mu.Unlock()
}

// Entries returns the identity's view ordered by schema and table.
func (c *CatalogCache) Entries(identity string) []domain.SchemaCatalogEntry {
	c.mu.RLock()
	out := make([]domain.SchemaCatalogEntry, 0, len(c.views[identity]))
	for _, e := range c.views[identity] {
		out = append(out, e)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Schema != out[j].Schema {
			return out[i].Schema < out[j].Schema
		}
		return out[i].TableName < out[j].TableName
	})
	return out
}
