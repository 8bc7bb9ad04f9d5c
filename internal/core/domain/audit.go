package domain

import "time"

// EntityState is the change-tracking state of an entity inside a session.
type EntityState int

const (
	StateUnchanged EntityState = iota
	StateAdded
	StateModified
	StateDeleted
)

func (s EntityState) String() string {
	switch s {
	case StateAdded:
		return "Added"
	case StateModified:
		return "Modified"
	case StateDeleted:
		return "Deleted"
	default:
		return "Unchanged"
	}
}

// Audited reports whether changes in this state produce audit records.
func (s EntityState) Audited() bool {
	return s == StateAdded || s == StateModified || s == StateDeleted
}

type AuditRecord struct {
	ID             string
	TableName      string
	EntityTypeName string
	State          EntityState
	StateName      string
	EntityID       string
	CreatedTime    time.Time
	CreatedBy      string
	Properties     []AuditPropertyRecord
}

type AuditPropertyRecord struct {
	ID               string
	AuditRecordID    string
	PropertyName     string
	PropertyTypeName string
	OldValue         *string
	NewValue         *string
}

type AuditFilter struct {
	TableName string
	EntityID  string
	State     string
	// Before pages backwards from a record id, After forwards.
	Before string
	After  string
	Limit  int
}
