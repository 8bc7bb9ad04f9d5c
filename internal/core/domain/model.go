package domain

import "time"

// Model is the live schema of an accessor: every mapped entity type.
type Model struct {
	Accessor string
	Entities []EntityType
}

// EntityType describes one mapped type. Table and Schema are empty when the
// type does not declare them explicitly.
type EntityType struct {
	Name        string
	FullName    string
	Module      string
	Table       string
	Schema      string
	Description string
	Sharding    bool
	NotAudited  bool
	Properties  []PropertyType
}

type PropertyType struct {
	Name             string
	Column           string
	TypeName         string
	DataType         string
	PrimaryKey       bool
	Nullable         bool
	Size             int
	ConcurrencyToken bool
}

// Traits an entity type can declare. They are opt-in and queried by the
// aspects; nothing else about the entity is inspected.
type (
	// SchemaNamer places the mapped table in a named schema.
	SchemaNamer interface {
		TableSchema() string
	}
	Describer interface {
		EntityDescription() string
	}
	Sharded interface {
		IsSharding() bool
	}
	// NotAudited excludes a type from audit capture.
	NotAudited interface {
		NotAudited()
	}
	// AuditMetadata supplies actor and time for the entity's audit record.
	AuditMetadata interface {
		AuditActor() string
		AuditTime() time.Time
	}
)
