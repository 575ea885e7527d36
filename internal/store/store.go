// Package store holds what the PostgreSQL and SQLite stores share: error
// wrapping and the encoding of columns stored as JSON.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"courier/internal/domain"
)

// Wrap tags a driver error as ErrStorage. Domain lookups that already carry
// a sentinel pass through unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrKeyNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

// Payload maps a nil body to an empty one; payload columns are NOT NULL.
func Payload(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func EncodeRecipients(rs []domain.RecipientProgress) ([]byte, error) {
	if rs == nil {
		rs = []domain.RecipientProgress{}
	}
	return json.Marshal(rs)
}

func DecodeRecipients(b []byte) ([]domain.RecipientProgress, error) {
	var rs []domain.RecipientProgress
	if len(b) == 0 {
		return rs, nil
	}
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	return rs, nil
}

func EncodeTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(tags)
}

func DecodeTags(b []byte) ([]string, error) {
	var tags []string
	if len(b) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(b, &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}
