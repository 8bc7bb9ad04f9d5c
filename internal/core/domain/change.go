package domain

// PropertyEntry holds the tracked values of one property of a pending change.
type PropertyEntry struct {
	Name             string
	TypeName         string
	Current          any
	Original         any
	PrimaryKey       bool
	ConcurrencyToken bool
}

// EntityChange is one pending mutation held by a change-tracking session.
type EntityChange struct {
	Entity     any
	Type       *EntityType
	State      EntityState
	Properties []PropertyEntry
	// CurrentKeys re-reads the primary key values from the live entity. Keys
	// generated by the store are only visible after the core write.
	CurrentKeys func() []any
}

// OriginalKeys returns the primary key values as they were when tracked.
func (c EntityChange) OriginalKeys() []any {
	var keys []any
	for _, p := range c.Properties {
		if p.PrimaryKey {
			keys = append(keys, p.Original)
		}
	}
	return keys
}

// Keys returns the primary key values the audit trail should record.
func (c EntityChange) Keys() []any {
	if c.State == StateDeleted {
		return c.OriginalKeys()
	}
	if c.CurrentKeys != nil {
		return c.CurrentKeys()
	}
	var keys []any
	for _, p := range c.Properties {
		if p.PrimaryKey {
			keys = append(keys, p.Current)
		}
	}
	return keys
}

// TableName resolves the table the change targets, defaulting to the type name.
func (c EntityChange) TableName() string {
	if c.Type == nil {
		return ""
	}
	if c.Type.Table != "" {
		return c.Type.Table
	}
	return c.Type.Name
}
