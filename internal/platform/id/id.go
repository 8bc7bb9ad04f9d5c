// Package id issues ledger identifiers.
//
// Identifiers are UUIDv7 strings, so ids of the same kind sort by creation
// time. The kind argument is accepted for interface parity with sequence
// backed generators and does not influence the value.
package id

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type UUIDGenerator struct{}

func NewUUIDGenerator() UUIDGenerator {
	return UUIDGenerator{}
}

func (UUIDGenerator) GenerateID(ctx context.Context, kind string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", kind, err)
	}
	return v.String(), nil
}
