package aspect

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
)

const snapshotGenerator = "dbaspect"

//go:embed snapshot.schema.json
var snapshotSchemaJSON []byte

// SnapshotTypeName names the snapshot of an accessor.
func SnapshotTypeName(accessor string) string {
	return accessor + "ModelSnapshot"
}

// BuildSnapshotDocument projects a live model onto its canonical document.
// Entities are ordered by schema, table and full name; properties keep
// declaration order.
func BuildSnapshotDocument(model domain.Model, defaultSchema string) domain.SnapshotDocument {
	entities := make([]domain.SnapshotEntity, 0, len(model.Entities))
	for _, et := range model.Entities {
		props := make([]domain.SnapshotProperty, 0, len(et.Properties))
		for _, p := range et.Properties {
			props = append(props, domain.SnapshotProperty{
				Name:             p.Name,
				Column:           p.Column,
				Type:             p.TypeName,
				DataType:         p.DataType,
				PrimaryKey:       p.PrimaryKey,
				Nullable:         p.Nullable,
				Size:             p.Size,
				ConcurrencyToken: p.ConcurrencyToken,
			})
		}
		entities = append(entities, domain.SnapshotEntity{
			Name:        et.Name,
			FullName:    et.FullName,
			Module:      et.Module,
			Table:       tableName(et),
			Schema:      schemaName(et, defaultSchema),
			Description: et.Description,
			Sharding:    et.Sharding,
			Properties:  props,
		})
	}
	sort.SliceStable(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if a.Schema != b.Schema {
			return a.Schema < b.Schema
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.FullName < b.FullName
	})

	return domain.SnapshotDocument{
		FormatVersion: domain.CurrentSnapshotFormat,
		Accessor:      model.Accessor,
		SnapshotType:  SnapshotTypeName(model.Accessor),
		Entities:      entities,
	}
}

// CanonicalJSON encodes doc in its canonical textual form.
func CanonicalJSON(doc domain.SnapshotDocument) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ContentHash is the hex SHA-256 of the canonical text.
func ContentHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// SnapshotCompiler validates canonical documents and renders the stored
// artifact.
type SnapshotCompiler struct {
	schema *jsonschema.Schema
	clock  ports.Clock
}

func NewSnapshotCompiler(clock ports.Clock) (*SnapshotCompiler, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("snapshot.schema.json", bytes.NewReader(snapshotSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add snapshot schema: %w", err)
	}
	schema, err := compiler.Compile("snapshot.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	return &SnapshotCompiler{schema: schema, clock: clock}, nil
}

// Compile checks canonical against the snapshot schema and returns the
// artifact bytes. Failures are *domain.CompilationError.
func (c *SnapshotCompiler) Compile(ctx context.Context, accessor string, canonical []byte, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(canonical, &doc); err != nil {
		return nil, &domain.CompilationError{Accessor: accessor, Err: err}
	}
	if err := c.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, &domain.CompilationError{Accessor: accessor, Err: fmt.Errorf("%v", collectValidationErrors(ve))}
		}
		return nil, &domain.CompilationError{Accessor: accessor, Err: err}
	}

	artifact, err := json.MarshalIndent(domain.SnapshotArtifact{
		Generator:   snapshotGenerator,
		GeneratedAt: c.clock.Now(),
		ContentHash: hash,
		Snapshot:    canonical,
	}, "", "  ")
	if err != nil {
		return nil, &domain.CompilationError{Accessor: accessor, Err: err}
	}
	return artifact, nil
}

func collectValidationErrors(ve *jsonschema.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.Error())
	}
	return msgs
}
