package aspect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/clock"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/id"
)

// SnapshotAspect versions the live model as content-addressed snapshots.
//
// Generate, hash, compare and persist run under one lock per accessor that is
// held until the supplementary flush has committed. The "is this new?" read
// and the insert are separate statements against the store; the lock is what
// keeps two first-time saves from both writing version one.
type SnapshotAspect struct {
	repo          ports.SnapshotRepository
	locks         *KeyedLocker
	compiler      *SnapshotCompiler
	ids           ports.IDGenerator
	clock         ports.Clock
	defaultSchema string
	exportPath    string
	logger        *zap.Logger
}

type SnapshotAspectConfig struct {
	Repository    ports.SnapshotRepository
	Locks         *KeyedLocker
	Compiler      *SnapshotCompiler
	IDs           ports.IDGenerator
	Clock         ports.Clock
	DefaultSchema string
	// ExportPath, when set, receives <SnapshotTypeName>.json for every new version.
	ExportPath string
	Logger     *zap.Logger
}

func NewSnapshotAspect(cfg SnapshotAspectConfig) (*SnapshotAspect, error) {
	a := &SnapshotAspect{
		repo:          cfg.Repository,
		locks:         cfg.Locks,
		compiler:      cfg.Compiler,
		ids:           cfg.IDs,
		clock:         cfg.Clock,
		defaultSchema: cfg.DefaultSchema,
		exportPath:    cfg.ExportPath,
		logger:        cfg.Logger,
	}
	if a.locks == nil {
		a.locks = NewKeyedLocker()
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.ids == nil {
		a.ids = id.NewUUIDGenerator()
	}
	if a.clock == nil {
		a.clock = clock.System{}
	}
	if a.compiler == nil {
		compiler, err := NewSnapshotCompiler(a.clock)
		if err != nil {
			return nil, err
		}
		a.compiler = compiler
	}
	return a, nil
}

func (a *SnapshotAspect) Name() string {
	return "migration-snapshot"
}

func (a *SnapshotAspect) After(ctx context.Context, op *Operation) error {
	unlock, err := a.locks.Lock(ctx, "snapshot:"+op.Accessor)
	if err != nil {
		return err
	}
	var staged *domain.MigrationSnapshotRecord
	op.OnComplete(func(err error) {
		defer unlock()
		if err == nil && staged != nil {
			a.export(*staged)
		}
	})

	doc := BuildSnapshotDocument(op.Model, a.defaultSchema)
	doc.Accessor = op.Accessor
	doc.SnapshotType = SnapshotTypeName(op.Accessor)
	canonical, err := CanonicalJSON(doc)
	if err != nil {
		return &domain.CompilationError{Accessor: op.Accessor, Err: err}
	}
	hash := ContentHash(canonical)
	artifact, err := a.compiler.Compile(ctx, op.Accessor, canonical, hash)
	if err != nil {
		return err
	}

	var previous domain.MigrationSnapshotRecord
	latest, err := a.repo.Latest(ctx, op.Accessor)
	switch {
	case err == nil:
		previous = latest
	case errors.Is(err, domain.ErrNotFound):
	default:
		return err
	}
	if previous.ID != "" && previous.ContentHash == hash {
		a.logger.Debug("schema unchanged", zap.String("accessor", op.Accessor), zap.String("hash", hash))
		return nil
	}

	id, err := a.ids.GenerateID(ctx, ports.KindSnapshot)
	if err != nil {
		return err
	}
	rec := domain.MigrationSnapshotRecord{
		ID:               id,
		AccessorName:     op.Accessor,
		SnapshotTypeName: doc.SnapshotType,
		Version:          previous.Version + 1,
		SnapshotBody:     artifact,
		ContentHash:      hash,
		CreatedTime:      a.clock.Now(),
		CreatedBy:        ActorFrom(ctx),
	}
	staged = &rec
	op.Batch.Snapshots = append(op.Batch.Snapshots, rec)
	op.RequestFlush()

	a.logger.Info("schema snapshot staged",
		zap.String("accessor", op.Accessor),
		zap.Int64("version", rec.Version),
		zap.String("hash", hash))
	payload := domain.SnapshotCreatedPayload{
		ID:               rec.ID,
		SnapshotTypeName: rec.SnapshotTypeName,
		Version:          rec.Version,
		ContentHash:      rec.ContentHash,
		PreviousHash:     previous.ContentHash,
	}
	op.Emit(ctx, domain.EventSnapshotCreated, func() any { return payload })
	return nil
}

// export writes the committed artifact. Export is best effort; the ledger row
// is the record of truth.
func (a *SnapshotAspect) export(rec domain.MigrationSnapshotRecord) {
	if a.exportPath == "" {
		return
	}
	if err := os.MkdirAll(a.exportPath, 0o755); err != nil {
		a.logger.Warn("create snapshot export dir", zap.String("path", a.exportPath), zap.Error(err))
		return
	}
	path := filepath.Join(a.exportPath, rec.SnapshotTypeName+".json")
	if err := os.WriteFile(path, rec.SnapshotBody, 0o644); err != nil {
		a.logger.Warn("export snapshot", zap.String("path", path), zap.Error(fmt.Errorf("version %d: %w", rec.Version, err)))
	}
}
