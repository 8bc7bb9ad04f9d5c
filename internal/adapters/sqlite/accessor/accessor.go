// Package accessor is the gorm-backed persistence engine the aspect pipeline
// wraps. An Accessor owns a set of mapped entity types and exposes change
// tracking sessions; every save and migrate runs through the pipeline.
package accessor

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/aspect"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
)

// TokenTag marks a concurrency token field: `aspect:"concurrency"`.
const TokenTag = "aspect"

// LedgerFactory binds a ledger writer to an open transaction.
type LedgerFactory func(tx *gorm.DB) ports.LedgerWriter

type mapping struct {
	schema *schema.Schema
	typ    domain.EntityType
	fields []*schema.Field
	token  *schema.Field
}

type Accessor struct {
	name     string
	db       *gormsqlite.DB
	models   []any
	pipeline *aspect.Pipeline
	ledger   LedgerFactory
	logger   *zap.Logger

	schemas  sync.Map
	mappings []*mapping
	byType   map[reflect.Type]*mapping
}

type Option func(*Accessor)

// WithModels registers the entity types the accessor maps.
func WithModels(models ...any) Option {
	return func(a *Accessor) { a.models = append(a.models, models...) }
}

func WithPipeline(p *aspect.Pipeline) Option {
	return func(a *Accessor) { a.pipeline = p }
}

func WithLedger(f LedgerFactory) Option {
	return func(a *Accessor) { a.ledger = f }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Accessor) { a.logger = l }
}

func New(name string, db *gormsqlite.DB, opts ...Option) (*Accessor, error) {
	if name == "" {
		return nil, domain.Invalid("accessor name is required")
	}
	if db == nil {
		return nil, domain.Invalid("accessor %s: database is required", name)
	}
	a := &Accessor{name: name, db: db, byType: make(map[reflect.Type]*mapping)}
	for _, opt := range opts {
		opt(a)
	}
	if a.ledger == nil {
		return nil, domain.Invalid("accessor %s: ledger writer factory is required", name)
	}
	if a.pipeline == nil {
		a.pipeline = aspect.NewPipeline()
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}

	for _, model := range a.models {
		m, err := a.mapModel(model)
		if err != nil {
			return nil, err
		}
		if _, dup := a.byType[m.schema.ModelType]; dup {
			return nil, domain.Invalid("accessor %s: %s registered twice", name, m.typ.FullName)
		}
		a.mappings = append(a.mappings, m)
		a.byType[m.schema.ModelType] = m
	}
	return a, nil
}

func (a *Accessor) Name() string {
	return a.name
}

// DB exposes the underlying handles for read paths that bypass tracking.
func (a *Accessor) DB() *gormsqlite.DB {
	return a.db
}

// Model returns the live schema of every mapped type in registration order.
func (a *Accessor) Model() domain.Model {
	m := domain.Model{Accessor: a.name, Entities: make([]domain.EntityType, 0, len(a.mappings))}
	for _, mp := range a.mappings {
		et := mp.typ
		et.Properties = append([]domain.PropertyType(nil), mp.typ.Properties...)
		m.Entities = append(m.Entities, et)
	}
	return m
}

// Migrate creates or alters the mapped tables. Catalog and snapshot aspects
// run after the schema change.
func (a *Accessor) Migrate(ctx context.Context) error {
	op := aspect.NewOperation(aspect.OperationMigrate, a.name, a.Model(), nil)
	return a.pipeline.Execute(ctx, op, func(ctx context.Context, _ *aspect.Operation) error {
		if err := a.db.W.WithContext(ctx).AutoMigrate(a.models...); err != nil {
			return fmt.Errorf("auto migrate %s: %w", a.name, err)
		}
		a.logger.Info("schema migrated", zap.String("accessor", a.name), zap.Int("types", len(a.models)))
		return nil
	}, a.flush)
}

func (a *Accessor) NewSession() *Session {
	return &Session{acc: a}
}

func (a *Accessor) flush(ctx context.Context, batch *aspect.Batch) error {
	return a.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return batch.WriteTo(ctx, a.ledger(tx.DB))
	})
}

func (a *Accessor) mapModel(model any) (*mapping, error) {
	sch, err := schema.Parse(model, &a.schemas, a.db.W.NamingStrategy)
	if err != nil {
		return nil, fmt.Errorf("parse %T: %w", model, err)
	}
	t := sch.ModelType
	proto := reflect.New(t).Interface()

	m := &mapping{schema: sch}
	m.typ = domain.EntityType{
		Name:     t.Name(),
		FullName: t.PkgPath() + "." + t.Name(),
		Module:   t.PkgPath(),
	}
	if v, ok := proto.(schema.Tabler); ok {
		m.typ.Table = v.TableName()
	}
	if v, ok := proto.(domain.SchemaNamer); ok {
		m.typ.Schema = v.TableSchema()
	}
	if v, ok := proto.(domain.Describer); ok {
		m.typ.Description = v.EntityDescription()
	}
	if v, ok := proto.(domain.Sharded); ok {
		m.typ.Sharding = v.IsSharding()
	}
	if _, ok := proto.(domain.NotAudited); ok {
		m.typ.NotAudited = true
	}

	for _, f := range sch.Fields {
		if f.DBName == "" || f.DataType == "" {
			continue
		}
		token := f.Tag.Get(TokenTag) == "concurrency"
		if token {
			if m.token != nil {
				return nil, domain.Invalid("%s declares more than one concurrency token", m.typ.FullName)
			}
			switch f.FieldType.Kind() {
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
				reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			default:
				return nil, domain.Invalid("%s.%s: concurrency token must be an integer", m.typ.FullName, f.Name)
			}
			m.token = f
		}
		m.fields = append(m.fields, f)
		m.typ.Properties = append(m.typ.Properties, domain.PropertyType{
			Name:             f.Name,
			Column:           f.DBName,
			TypeName:         f.FieldType.String(),
			DataType:         string(f.DataType),
			PrimaryKey:       f.PrimaryKey,
			Nullable:         !f.NotNull && !f.PrimaryKey,
			Size:             f.Size,
			ConcurrencyToken: token,
		})
	}
	if len(sch.PrimaryFields) == 0 {
		return nil, domain.Invalid("%s has no primary key", m.typ.FullName)
	}
	return m, nil
}

func (a *Accessor) mappingFor(entity any) (*mapping, error) {
	t := reflect.TypeOf(entity)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, domain.Invalid("entity must be a pointer to a struct, got %T", entity)
	}
	if reflect.ValueOf(entity).IsNil() {
		return nil, domain.Invalid("entity must not be nil")
	}
	m, ok := a.byType[t.Elem()]
	if !ok {
		return nil, domain.Invalid("%s is not mapped by accessor %s", t.Elem(), a.name)
	}
	return m, nil
}
