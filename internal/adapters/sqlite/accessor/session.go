package accessor

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/aspect"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

// Session tracks entities and their original values until SaveChanges. It is
// not safe for concurrent use.
type Session struct {
	acc     *Accessor
	tracked []*entry
}

type entry struct {
	entity   any
	m        *mapping
	state    domain.EntityState
	original map[string]any
}

// Add tracks a new entity for insertion.
func (s *Session) Add(entity any) error {
	m, err := s.acc.mappingFor(entity)
	if err != nil {
		return err
	}
	if e := s.lookup(entity); e != nil {
		if e.state != domain.StateDeleted {
			return domain.Invalid("%s is already tracked", m.typ.Name)
		}
		e.state = domain.StateModified
		return nil
	}
	s.tracked = append(s.tracked, &entry{entity: entity, m: m, state: domain.StateAdded})
	return nil
}

// Attach tracks entity as unchanged; its current values become the originals.
func (s *Session) Attach(entity any) error {
	m, err := s.acc.mappingFor(entity)
	if err != nil {
		return err
	}
	if s.lookup(entity) != nil {
		return nil
	}
	s.tracked = append(s.tracked, &entry{entity: entity, m: m, state: domain.StateUnchanged, original: capture(m, entity)})
	return nil
}

// Find loads the first row matching conds into dest and attaches it.
func (s *Session) Find(ctx context.Context, dest any, conds ...any) error {
	if _, err := s.acc.mappingFor(dest); err != nil {
		return err
	}
	err := s.acc.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.First(dest, conds...).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("find %T: %w", dest, err)
	}
	return s.Attach(dest)
}

// Update marks entity modified. An untracked entity takes its originals from
// the stored row with the same primary key.
func (s *Session) Update(ctx context.Context, entity any) error {
	m, err := s.acc.mappingFor(entity)
	if err != nil {
		return err
	}
	if e := s.lookup(entity); e != nil {
		if e.state == domain.StateUnchanged {
			e.state = domain.StateModified
		}
		return nil
	}

	stored := reflect.New(m.schema.ModelType).Interface()
	err = s.acc.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where(primaryWhere(m, entity)).First(stored).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("load %s: %w", m.typ.Name, err)
	}
	s.tracked = append(s.tracked, &entry{entity: entity, m: m, state: domain.StateModified, original: capture(m, stored)})
	return nil
}

// Remove marks entity for deletion. Removing an added entity just stops
// tracking it.
func (s *Session) Remove(entity any) error {
	m, err := s.acc.mappingFor(entity)
	if err != nil {
		return err
	}
	for i, e := range s.tracked {
		if e.entity != entity {
			continue
		}
		if e.state == domain.StateAdded {
			s.tracked = append(s.tracked[:i], s.tracked[i+1:]...)
			return nil
		}
		e.state = domain.StateDeleted
		return nil
	}
	s.tracked = append(s.tracked, &entry{entity: entity, m: m, state: domain.StateDeleted, original: capture(m, entity)})
	return nil
}

// Entries returns every tracked entity with its state and property values.
// Unchanged entities whose values differ from their originals are reported
// as modified.
func (s *Session) Entries() []domain.EntityChange {
	out := make([]domain.EntityChange, 0, len(s.tracked))
	for _, e := range s.tracked {
		e.detect()
		out = append(out, e.change())
	}
	return out
}

// HasChanges reports whether SaveChanges would write anything.
func (s *Session) HasChanges() bool {
	for _, e := range s.tracked {
		e.detect()
		if e.state != domain.StateUnchanged {
			return true
		}
	}
	return false
}

// SaveChanges writes every pending change in one transaction together with
// the captured audit records, then runs the post-save aspects. It returns the
// number of entities written.
//
// When the post-save aspects fail after the transaction committed, the
// session still accepts the changes and the error wraps domain.ErrPostCommit
// alongside the aspect error.
func (s *Session) SaveChanges(ctx context.Context) (int, error) {
	acc := s.acc
	changes := s.Entries()
	pending := 0
	for _, c := range changes {
		if c.State != domain.StateUnchanged {
			pending++
		}
	}

	var restore []func()
	committed := false
	op := aspect.NewOperation(aspect.OperationSave, acc.name, acc.Model(), changes)
	err := acc.pipeline.Execute(ctx, op, func(ctx context.Context, op *aspect.Operation) error {
		err := acc.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
			for _, e := range s.tracked {
				undo, err := e.write(ctx, tx.DB)
				if undo != nil {
					restore = append(restore, undo)
				}
				if err != nil {
					return err
				}
			}
			return acc.ledger(tx.DB).AppendAudit(ctx, op.Batch.TakeAudit())
		})
		committed = err == nil
		return err
	}, acc.flush)
	switch {
	case err != nil && !committed:
		for i := len(restore) - 1; i >= 0; i-- {
			restore[i]()
		}
		return 0, err
	case err != nil:
		s.accept()
		acc.logger.Warn("post-save aspects failed after commit",
			zap.String("accessor", acc.name),
			zap.Int("entities", pending),
			zap.Error(err))
		return pending, fmt.Errorf("save %s: %w: %w", acc.name, domain.ErrPostCommit, err)
	}

	s.accept()
	acc.logger.Debug("changes saved",
		zap.String("accessor", acc.name),
		zap.Int("entities", pending),
		zap.Int("audit_records", len(op.Audited())))
	return pending, nil
}

func (s *Session) lookup(entity any) *entry {
	for _, e := range s.tracked {
		if e.entity == entity {
			return e
		}
	}
	return nil
}

func (s *Session) accept() {
	kept := s.tracked[:0]
	for _, e := range s.tracked {
		if e.state == domain.StateDeleted {
			continue
		}
		e.state = domain.StateUnchanged
		e.original = capture(e.m, e.entity)
		kept = append(kept, e)
	}
	s.tracked = kept
}

func (e *entry) detect() {
	if e.state != domain.StateUnchanged {
		return
	}
	current := capture(e.m, e.entity)
	for name, v := range current {
		if !reflect.DeepEqual(v, e.original[name]) {
			e.state = domain.StateModified
			return
		}
	}
}

func (e *entry) change() domain.EntityChange {
	ctx := context.Background()
	rv := reflect.ValueOf(e.entity).Elem()
	props := make([]domain.PropertyEntry, 0, len(e.m.fields))
	for _, f := range e.m.fields {
		current, _ := f.ValueOf(ctx, rv)
		p := domain.PropertyEntry{
			Name:             f.Name,
			TypeName:         f.FieldType.String(),
			Current:          current,
			PrimaryKey:       f.PrimaryKey,
			ConcurrencyToken: f == e.m.token,
		}
		if e.state != domain.StateAdded {
			p.Original = e.original[f.Name]
		}
		props = append(props, p)
	}
	typ := e.m.typ
	entity := e.entity
	m := e.m
	return domain.EntityChange{
		Entity:     entity,
		Type:       &typ,
		State:      e.state,
		Properties: props,
		CurrentKeys: func() []any {
			return primaryValues(m, entity)
		},
	}
}

// write applies the entry inside tx. The returned func undoes in-memory
// concurrency token changes if the transaction does not commit.
func (e *entry) write(ctx context.Context, tx *gorm.DB) (func(), error) {
	db := tx.WithContext(ctx)
	switch e.state {
	case domain.StateAdded:
		undo, err := e.initToken(ctx)
		if err != nil {
			return nil, err
		}
		if err := db.Create(e.entity).Error; err != nil {
			if gormsqlite.IsUniqueViolation(err) {
				return undo, fmt.Errorf("insert %s: %w: %v", e.m.typ.Name, domain.ErrConcurrencyConflict, err)
			}
			return undo, fmt.Errorf("insert %s: %w", e.m.typ.Name, err)
		}
		return undo, nil

	case domain.StateModified:
		query := db.Model(e.entity).Where(primaryWhere(e.m, e.entity))
		undo, err := e.bumpToken(ctx)
		if err != nil {
			return nil, err
		}
		if e.m.token != nil {
			query = query.Where(clauseEq(e.m.token), e.original[e.m.token.Name])
		}
		res := query.Select("*").Omit(primaryNames(e.m)...).Updates(e.entity)
		if res.Error != nil {
			return undo, fmt.Errorf("update %s: %w", e.m.typ.Name, res.Error)
		}
		if res.RowsAffected == 0 {
			return undo, fmt.Errorf("update %s %v: %w", e.m.typ.Name, primaryValues(e.m, e.entity), domain.ErrConcurrencyConflict)
		}
		return undo, nil

	case domain.StateDeleted:
		query := db.Where(originalPrimaryWhere(e.m, e.original))
		if e.m.token != nil {
			query = query.Where(clauseEq(e.m.token), e.original[e.m.token.Name])
		}
		res := query.Delete(reflect.New(e.m.schema.ModelType).Interface())
		if res.Error != nil {
			return nil, fmt.Errorf("delete %s: %w", e.m.typ.Name, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("delete %s: %w", e.m.typ.Name, domain.ErrConcurrencyConflict)
		}
		return nil, nil
	}
	return nil, nil
}

func (e *entry) initToken(ctx context.Context) (func(), error) {
	f := e.m.token
	if f == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(e.entity).Elem()
	if _, zero := f.ValueOf(ctx, rv); !zero {
		return nil, nil
	}
	if err := f.Set(ctx, rv, 1); err != nil {
		return nil, fmt.Errorf("init concurrency token: %w", err)
	}
	return func() { _ = f.Set(ctx, rv, 0) }, nil
}

func (e *entry) bumpToken(ctx context.Context) (func(), error) {
	f := e.m.token
	if f == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(e.entity).Elem()
	prev := e.original[f.Name]
	next := reflect.ValueOf(prev)
	var bumped any
	switch next.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		bumped = next.Int() + 1
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		bumped = next.Uint() + 1
	default:
		return nil, fmt.Errorf("bump concurrency token of %s: unexpected %T", e.m.typ.Name, prev)
	}
	current, _ := f.ValueOf(ctx, rv)
	if err := f.Set(ctx, rv, bumped); err != nil {
		return nil, fmt.Errorf("bump concurrency token: %w", err)
	}
	return func() { _ = f.Set(ctx, rv, current) }, nil
}

// capture copies the mapped field values of entity. Pointer fields are
// copied by value so later in-place edits are detected.
func capture(m *mapping, entity any) map[string]any {
	ctx := context.Background()
	rv := reflect.ValueOf(entity).Elem()
	out := make(map[string]any, len(m.fields))
	for _, f := range m.fields {
		v, _ := f.ValueOf(ctx, rv)
		out[f.Name] = detach(v)
	}
	return out
}

func detach(v any) any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer {
		return v
	}
	if rv.IsNil() {
		return v
	}
	cp := reflect.New(rv.Elem().Type())
	cp.Elem().Set(rv.Elem())
	return cp.Interface()
}

func primaryValues(m *mapping, entity any) []any {
	ctx := context.Background()
	rv := reflect.ValueOf(entity).Elem()
	keys := make([]any, 0, len(m.schema.PrimaryFields))
	for _, f := range m.schema.PrimaryFields {
		v, _ := f.ValueOf(ctx, rv)
		keys = append(keys, v)
	}
	return keys
}

func primaryWhere(m *mapping, entity any) map[string]any {
	keys := primaryValues(m, entity)
	where := make(map[string]any, len(keys))
	for i, f := range m.schema.PrimaryFields {
		where[f.DBName] = keys[i]
	}
	return where
}

func originalPrimaryWhere(m *mapping, original map[string]any) map[string]any {
	where := make(map[string]any, len(m.schema.PrimaryFields))
	for _, f := range m.schema.PrimaryFields {
		where[f.DBName] = original[f.Name]
	}
	return where
}

func primaryNames(m *mapping) []string {
	names := make([]string, 0, len(m.schema.PrimaryFields))
	for _, f := range m.schema.PrimaryFields {
		names = append(names, f.Name)
	}
	return names
}

func clauseEq(f *schema.Field) string {
	return f.DBName + " = ?"
}
