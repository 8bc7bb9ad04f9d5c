package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/accessor"
	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/ports"
)

// Entry is the mapped key/value row. It is saved through accessor sessions,
// so every write is audited.
type Entry struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Category  string    `gorm:"column:category;not null;index"`
	Value     string    `gorm:"column:value;not null"`
	Revision  int64     `gorm:"column:revision;not null" aspect:"concurrency"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (Entry) TableName() string {
	return "kv_entries"
}

func (Entry) EntityDescription() string {
	return "JSON documents addressed by key"
}

// Repository stores KV entries through an accessor. The accessor must map
// Entry.
type Repository struct {
	acc   *accessor.Accessor
	clock ports.Clock
}

func NewRepository(acc *accessor.Accessor, clock ports.Clock) *Repository {
	return &Repository{acc: acc, clock: clock}
}

// Upsert inserts or replaces the entry in one session. With item.Revision
// set the write only succeeds against that stored revision.
func (r *Repository) Upsert(ctx context.Context, item domain.Item) (domain.Item, error) {
	return r.upsert(ctx, item)
}

func (r *Repository) upsert(ctx context.Context, item domain.Item) (domain.Item, error) {
	now := r.clock.Now()
	session := r.acc.NewSession()

	var entry Entry
	err := session.Find(ctx, &entry, "key = ?", item.Key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if item.Revision != 0 {
			return domain.Item{}, fmt.Errorf("entry %s revision %d: %w", item.Key, item.Revision, domain.ErrConcurrencyConflict)
		}
		entry = Entry{Key: item.Key, CreatedAt: now}
		if err := session.Add(&entry); err != nil {
			return domain.Item{}, err
		}
	case err != nil:
		return domain.Item{}, fmt.Errorf("load entry: %w", err)
	default:
		if item.Revision != 0 && item.Revision != entry.Revision {
			return domain.Item{}, fmt.Errorf("entry %s revision %d, stored %d: %w",
				item.Key, item.Revision, entry.Revision, domain.ErrConcurrencyConflict)
		}
	}

	entry.Category = item.Category
	entry.Value = string(item.Value)
	entry.UpdatedAt = now

	if _, err := session.SaveChanges(ctx); err != nil {
		return domain.Item{}, fmt.Errorf("upsert entry: %w", err)
	}
	return toDomain(entry), nil
}

func (r *Repository) Get(ctx context.Context, key string) (domain.Item, error) {
	var entry Entry
	if err := r.acc.NewSession().Find(ctx, &entry, "key = ?", key); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Item{}, err
		}
		return domain.Item{}, fmt.Errorf("get entry: %w", err)
	}
	return toDomain(entry), nil
}

func (r *Repository) Delete(ctx context.Context, key string) (bool, error) {
	session := r.acc.NewSession()
	var entry Entry
	if err := session.Find(ctx, &entry, "key = ?", key); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load entry: %w", err)
	}
	if err := session.Remove(&entry); err != nil {
		return false, err
	}
	if _, err := session.SaveChanges(ctx); err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return true, nil
}

// Scan reads without tracking; nothing it returns is audited.
func (r *Repository) Scan(ctx context.Context, filter domain.ScanFilter) ([]domain.Item, error) {
	var entries []Entry
	err := r.acc.DB().ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&Entry{})
		if filter.Category != "" {
			query = query.Where("category = ?", filter.Category)
		}
		if filter.Prefix != "" {
			prefixUpper := filter.Prefix + "\uffff"
			query = query.Where("key >= ? AND key < ?", filter.Prefix, prefixUpper)
		}
		if filter.AfterKey != "" {
			query = query.Where("key > ?", filter.AfterKey)
		}
		return query.Order("key ASC").Limit(filter.Limit).Find(&entries).Error
	})
	if err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}

	items := make([]domain.Item, 0, len(entries))
	for _, entry := range entries {
		items = append(items, toDomain(entry))
	}
	return items, nil
}

func toDomain(entry Entry) domain.Item {
	return domain.Item{
		Key:       entry.Key,
		Category:  entry.Category,
		Value:     json.RawMessage(entry.Value),
		Revision:  entry.Revision,
		CreatedAt: entry.CreatedAt,
		UpdatedAt: entry.UpdatedAt,
	}
}
