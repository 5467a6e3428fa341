// Package idgen generates identifiers for ledger records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars, e.g. "esc_3f2a...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id parses as a UUID, with or without a prefix from WithPrefix.
func Valid(id, prefix string) bool {
	id = strings.TrimPrefix(id, prefix)
	_, err := uuid.Parse(id)
	return err == nil
}
