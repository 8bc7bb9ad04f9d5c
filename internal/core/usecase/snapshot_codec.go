package usecase

import (
	"encoding/json"
	"fmt"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/aspect"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

// Upcaster rewrites a snapshot document from one format version to the next.
type Upcaster interface {
	FromVersion() int
	ToVersion() int
	Upcast(doc json.RawMessage) (json.RawMessage, error)
}

// SnapshotCodec decodes stored snapshot bodies into the current document
// format.
type SnapshotCodec struct {
	upcasters map[int]Upcaster
}

func NewSnapshotCodec(upcasters ...Upcaster) *SnapshotCodec {
	m := make(map[int]Upcaster, len(upcasters))
	for _, up := range upcasters {
		m[up.FromVersion()] = up
	}
	return &SnapshotCodec{upcasters: m}
}

// DefaultSnapshotCodec knows every historical snapshot format.
func DefaultSnapshotCodec() *SnapshotCodec {
	return NewSnapshotCodec(SnapshotTypeUpcaster{})
}

// Decode unwraps a stored artifact and normalizes the embedded document.
func (c *SnapshotCodec) Decode(body []byte) (domain.SnapshotDocument, error) {
	var artifact domain.SnapshotArtifact
	if err := json.Unmarshal(body, &artifact); err != nil {
		return domain.SnapshotDocument{}, fmt.Errorf("decode snapshot artifact: %w", err)
	}
	if len(artifact.Snapshot) == 0 {
		return domain.SnapshotDocument{}, domain.Invalid("snapshot artifact has no document")
	}
	return c.Normalize(artifact.Snapshot)
}

func (c *SnapshotCodec) Normalize(raw json.RawMessage) (domain.SnapshotDocument, error) {
	var head struct {
		FormatVersion int `json:"format_version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return domain.SnapshotDocument{}, fmt.Errorf("decode snapshot header: %w", err)
	}
	v := head.FormatVersion
	if v < 1 || v > domain.CurrentSnapshotFormat {
		return domain.SnapshotDocument{}, domain.Invalid("unsupported snapshot format %d", v)
	}

	doc := raw
	for v < domain.CurrentSnapshotFormat {
		up, ok := c.upcasters[v]
		if !ok {
			return domain.SnapshotDocument{}, fmt.Errorf("missing upcaster from version %d", v)
		}
		next, err := up.Upcast(doc)
		if err != nil {
			return domain.SnapshotDocument{}, fmt.Errorf("upcast %d->%d: %w", up.FromVersion(), up.ToVersion(), err)
		}
		doc = next
		v = up.ToVersion()
	}

	var out domain.SnapshotDocument
	if err := json.Unmarshal(doc, &out); err != nil {
		return domain.SnapshotDocument{}, fmt.Errorf("decode snapshot document: %w", err)
	}
	out.FormatVersion = v
	return out, nil
}

// SnapshotTypeUpcaster lifts format 1 documents by deriving snapshot_type
// from the accessor name.
type SnapshotTypeUpcaster struct{}

func (SnapshotTypeUpcaster) FromVersion() int { return 1 }
func (SnapshotTypeUpcaster) ToVersion() int   { return 2 }

func (SnapshotTypeUpcaster) Upcast(doc json.RawMessage) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, err
	}
	if _, ok := m["snapshot_type"]; !ok {
		accessor, _ := m["accessor"].(string)
		m["snapshot_type"] = aspect.SnapshotTypeName(accessor)
	}
	m["format_version"] = 2
	return json.Marshal(m)
}
