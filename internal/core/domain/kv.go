package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrInvalidKey      = fmt.Errorf("%w: invalid key", ErrValidation)
	ErrInvalidCategory = fmt.Errorf("%w: invalid category", ErrValidation)
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9._:/-]+$`)

// Item is one key/value entry. Revision increases on every write; a non-zero
// Revision on an upsert must match the stored one.
type Item struct {
	Key       string
	Category  string
	Value     json.RawMessage
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i Item) Validate() error {
	if err := ValidateKey(i.Key); err != nil {
		return err
	}
	if err := ValidateCategory(i.Category); err != nil {
		return err
	}
	if !json.Valid(i.Value) {
		return Invalid("value must be valid json")
	}
	if i.Revision < 0 {
		return Invalid("revision must not be negative")
	}
	return nil
}

func ValidateKey(key string) error {
	if key == "" || !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

func ValidateCategory(category string) error {
	if category == "" || !keyPattern.MatchString(category) {
		return ErrInvalidCategory
	}
	return nil
}

type ScanFilter struct {
	Category string
	Prefix   string
	AfterKey string
	Limit    int
}

func (f ScanFilter) Validate() error {
	if f.Category != "" {
		if err := ValidateCategory(f.Category); err != nil {
			return err
		}
	}
	if f.Prefix != "" && !keyPattern.MatchString(f.Prefix) {
		return ErrInvalidKey
	}
	if f.AfterKey != "" {
		if err := ValidateKey(f.AfterKey); err != nil {
			return err
		}
	}
	return nil
}
