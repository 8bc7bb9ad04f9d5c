package domain

import "time"

// SchemaCatalogEntry is the durable description of one mapped type.
type SchemaCatalogEntry struct {
	ID           string
	EntityName   string
	AssemblyName string
	TableName    string
	Schema       string
	Description  string
	IsSharding   bool
	CreatedTime  time.Time
	CreatedBy    string
}

// CatalogKey identifies a catalog entry. Entries are unique per key.
type CatalogKey struct {
	Schema string
	Table  string
}

func (k CatalogKey) String() string {
	return k.Schema + "." + k.Table
}

func (e SchemaCatalogEntry) Key() CatalogKey {
	return CatalogKey{Schema: e.Schema, Table: e.TableName}
}

// SameShape reports whether the mutable descriptive fields match.
func (e SchemaCatalogEntry) SameShape(o SchemaCatalogEntry) bool {
	return e.EntityName == o.EntityName &&
		e.AssemblyName == o.AssemblyName &&
		e.TableName == o.TableName &&
		e.Schema == o.Schema &&
		e.Description == o.Description &&
		e.IsSharding == o.IsSharding
}
