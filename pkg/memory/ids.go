package memory

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxIDBatch bounds every id list that reaches a dynamic IN (...) query.
	MaxIDBatch = 10000
	// MaxIDLength bounds a single exchange id.
	MaxIDLength = 256
)

// ErrInvalidIDs is returned when an id batch fails validation.
var ErrInvalidIDs = errors.New("invalid id batch")

// ValidateIDs accepts 1 to MaxIDBatch non-empty ids of at most MaxIDLength
// characters each.
func ValidateIDs(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidIDs)
	}
	if len(ids) > MaxIDBatch {
		return fmt.Errorf("%w: %d ids exceeds limit of %d", ErrInvalidIDs, len(ids), MaxIDBatch)
	}
	for i, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: empty id at position %d", ErrInvalidIDs, i)
		}
		if len([]rune(id)) > MaxIDLength {
			return fmt.Errorf("%w: id at position %d longer than %d characters", ErrInvalidIDs, i, MaxIDLength)
		}
	}
	return nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
