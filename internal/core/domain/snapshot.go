package domain

import (
	"encoding/json"
	"time"
)

// CurrentSnapshotFormat is the format_version written into new snapshot
// documents. Format 1 documents carry no snapshot_type.
const CurrentSnapshotFormat = 2

// MigrationSnapshotRecord is one content-addressed version of an accessor's schema.
type MigrationSnapshotRecord struct {
	ID               string
	AccessorName     string
	SnapshotTypeName string
	Version          int64
	SnapshotBody     []byte
	ContentHash      string
	CreatedTime      time.Time
	CreatedBy        string
}

// SnapshotDocument is the canonical, hashable representation of a Model.
// Field order is fixed by the struct so encoding/json output is stable.
type SnapshotDocument struct {
	FormatVersion int              `json:"format_version"`
	Accessor      string           `json:"accessor"`
	SnapshotType  string           `json:"snapshot_type"`
	Entities      []SnapshotEntity `json:"entities"`
}

type SnapshotEntity struct {
	Name        string             `json:"name"`
	FullName    string             `json:"full_name"`
	Module      string             `json:"module"`
	Table       string             `json:"table"`
	Schema      string             `json:"schema"`
	Description string             `json:"description,omitempty"`
	Sharding    bool               `json:"sharding,omitempty"`
	Properties  []SnapshotProperty `json:"properties"`
}

type SnapshotProperty struct {
	Name             string `json:"name"`
	Column           string `json:"column"`
	Type             string `json:"type"`
	DataType         string `json:"data_type,omitempty"`
	PrimaryKey       bool   `json:"primary_key,omitempty"`
	Nullable         bool   `json:"nullable,omitempty"`
	Size             int    `json:"size,omitempty"`
	ConcurrencyToken bool   `json:"concurrency_token,omitempty"`
}

// SnapshotArtifact is the stored form of a snapshot: the canonical document
// plus generation metadata. Only Snapshot contributes to ContentHash.
type SnapshotArtifact struct {
	Generator   string          `json:"generator"`
	GeneratedAt time.Time       `json:"generated_at"`
	ContentHash string          `json:"content_hash"`
	Snapshot    json.RawMessage `json:"snapshot"`
}
