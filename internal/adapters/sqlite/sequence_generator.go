package sqlite

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/dbaspect/internal/adapters/sqlite/gormsqlite"
)

// SequenceGenerator issues ids from a durable per-kind counter. Ids are
// zero padded so they sort in issue order. It must not be called from inside
// an open write transaction on the same database.
type SequenceGenerator struct {
	db *gormsqlite.DB
}

func NewSequenceGenerator(db *gormsqlite.DB) *SequenceGenerator {
	return &SequenceGenerator{db: db}
}

func (g *SequenceGenerator) GenerateID(ctx context.Context, kind string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var seq idSequenceModel
	err := g.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Model(&idSequenceModel{}).
			Where("kind = ?", kind).
			Update("value", gorm.Expr("value + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Create(&idSequenceModel{Kind: kind, Value: 1}).Error; err != nil {
				return err
			}
		}
		return tx.Where("kind = ?", kind).First(&seq).Error
	})
	if err != nil {
		return "", fmt.Errorf("next %s id: %w", kind, err)
	}
	return fmt.Sprintf("%s-%012d", kind, seq.Value), nil
}
