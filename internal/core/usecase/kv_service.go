package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
)

const (
	defaultUpsertRetries = 3
	defaultUpsertBackoff = 5 * time.Millisecond
)

type KVService struct {
	repo    ports.KVRepository
	retries uint64
	backoff time.Duration
}

func NewKVService(repo ports.KVRepository) *KVService {
	return &KVService{repo: repo, retries: defaultUpsertRetries, backoff: defaultUpsertBackoff}
}

// Upsert creates or replaces an entry. A non-zero item.Revision makes the
// write conditional on the stored revision and a mismatch is returned as
// domain.ErrConcurrencyConflict. Unconditional writes that lose a race on the
// stored revision are retried; a write that already committed never is.
func (s *KVService) Upsert(ctx context.Context, item domain.Item) (domain.Item, error) {
	if err := item.Validate(); err != nil {
		return domain.Item{}, err
	}
	if item.Revision != 0 {
		return s.repo.Upsert(ctx, item)
	}

	var out domain.Item
	backoff := retry.WithMaxRetries(s.retries, retry.NewConstant(s.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		out, err = s.repo.Upsert(ctx, item)
		if errors.Is(err, domain.ErrConcurrencyConflict) && !errors.Is(err, domain.ErrPostCommit) {
			return retry.RetryableError(err)
		}
		return err
	})
	return out, err
}

func (s *KVService) Get(ctx context.Context, key string) (domain.Item, error) {
	if err := domain.ValidateKey(key); err != nil {
		return domain.Item{}, err
	}
	return s.repo.Get(ctx, key)
}

func (s *KVService) Delete(ctx context.Context, key string) (bool, error) {
	if err := domain.ValidateKey(key); err != nil {
		return false, err
	}
	return s.repo.Delete(ctx, key)
}

// Scan pages entries in key order. The limit defaults to 100 and is capped
// at 1000.
func (s *KVService) Scan(ctx context.Context, filter domain.ScanFilter) ([]domain.Item, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	return s.repo.Scan(ctx, filter)
}
