package domain

import (
	"encoding/json"
	"time"
)

const (
	EventAuditCaptured   = "audit.captured"
	EventCatalogChanged  = "catalog.changed"
	EventSnapshotCreated = "snapshot.created"
)

type EventEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Accessor   string          `json:"accessor"`
	OccurredAt time.Time       `json:"occurred_at"`
	Actor      string          `json:"actor"`
	Payload    json.RawMessage `json:"payload"`
}

// Topic is the bus topic an envelope is published on.
func (e EventEnvelope) Topic() string {
	return "events." + e.Accessor + "." + e.EventType
}

type AuditCapturedPayload struct {
	Records []AuditRecordRef `json:"records"`
}

type AuditRecordRef struct {
	ID         string `json:"id"`
	TableName  string `json:"table_name"`
	State      string `json:"state"`
	EntityID   string `json:"entity_id"`
	Properties int    `json:"properties"`
}

type CatalogChangedPayload struct {
	Added   []CatalogRef `json:"added"`
	Updated []CatalogRef `json:"updated"`
}

type CatalogRef struct {
	ID         string `json:"id"`
	Schema     string `json:"schema"`
	TableName  string `json:"table_name"`
	EntityName string `json:"entity_name"`
}

type SnapshotCreatedPayload struct {
	ID               string `json:"id"`
	SnapshotTypeName string `json:"snapshot_type_name"`
	Version          int64  `json:"version"`
	ContentHash      string `json:"content_hash"`
	PreviousHash     string `json:"previous_hash,omitempty"`
}
