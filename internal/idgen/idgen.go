// Package idgen generates identifiers for cross-chain transactions, ticks
// and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex characters of a random UUID
// (e.g. "xct_", "tick_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Deterministic derives a stable name-based (v5) UUID from parts, used when
// the same inputs must always map to the same identifier.
func Deterministic(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "|"))).String()
}
