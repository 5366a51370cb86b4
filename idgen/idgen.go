// Package idgen produces the identifiers of batch runs and journal entries.
// The default is UUIDv7, so IDs sort by creation time; tests swap in a
// deterministic Sequence.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUID strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Sequence returns a Generator of "<prefix>1", "<prefix>2", ... Safe for
// concurrent use.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

// Default is used by New.
var Default Generator = UUIDv7()

// New produces an ID using Default.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
