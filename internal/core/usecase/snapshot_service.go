package usecase

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
)

type SnapshotService struct {
	repo  ports.SnapshotRepository
	codec *SnapshotCodec
}

func NewSnapshotService(repo ports.SnapshotRepository, codec *SnapshotCodec) *SnapshotService {
	if codec == nil {
		codec = DefaultSnapshotCodec()
	}
	return &SnapshotService{repo: repo, codec: codec}
}

func (s *SnapshotService) Latest(ctx context.Context, accessor string) (domain.MigrationSnapshotRecord, error) {
	if accessor == "" {
		return domain.MigrationSnapshotRecord{}, domain.Invalid("accessor is required")
	}
	return s.repo.Latest(ctx, accessor)
}

func (s *SnapshotService) Get(ctx context.Context, accessor string, version int64) (domain.MigrationSnapshotRecord, error) {
	if accessor == "" {
		return domain.MigrationSnapshotRecord{}, domain.Invalid("accessor is required")
	}
	if version < 1 {
		return domain.MigrationSnapshotRecord{}, domain.Invalid("version must be positive")
	}
	return s.repo.Get(ctx, accessor, version)
}

// List returns the snapshot history, newest version first.
func (s *SnapshotService) List(ctx context.Context, accessor string, limit int) ([]domain.MigrationSnapshotRecord, error) {
	if accessor == "" {
		return nil, domain.Invalid("accessor is required")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.repo.List(ctx, accessor, limit)
}

// Load decodes a stored snapshot into the current document format. Version 0
// selects the latest snapshot.
func (s *SnapshotService) Load(ctx context.Context, accessor string, version int64) (domain.SnapshotDocument, error) {
	var (
		rec domain.MigrationSnapshotRecord
		err error
	)
	if version == 0 {
		rec, err = s.Latest(ctx, accessor)
	} else {
		rec, err = s.Get(ctx, accessor, version)
	}
	if err != nil {
		return domain.SnapshotDocument{}, err
	}
	return s.Decode(rec)
}

// Decode upcasts the body of rec to the current document format.
func (s *SnapshotService) Decode(rec domain.MigrationSnapshotRecord) (domain.SnapshotDocument, error) {
	doc, err := s.codec.Decode(rec.SnapshotBody)
	if err != nil {
		return domain.SnapshotDocument{}, fmt.Errorf("decode snapshot %s v%d: %w", rec.AccessorName, rec.Version, err)
	}
	return doc, nil
}
