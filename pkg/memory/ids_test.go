package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateIDs(t *testing.T) {
	ids := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = "id"
		}
		return out
	}

	tests := []struct {
		name  string
		ids   []string
		valid bool
	}{
		{name: "single", ids: []string{"a"}, valid: true},
		{name: "max batch", ids: ids(MaxIDBatch), valid: true},
		{name: "max length", ids: []string{strings.Repeat("x", MaxIDLength)}, valid: true},
		{name: "max length multibyte", ids: []string{strings.Repeat("é", MaxIDLength)}, valid: true},
		{name: "nil", ids: nil, valid: false},
		{name: "empty", ids: []string{}, valid: false},
		{name: "over batch", ids: ids(MaxIDBatch + 1), valid: false},
		{name: "empty element", ids: []string{"a", ""}, valid: false},
		{name: "too long", ids: []string{strings.Repeat("x", MaxIDLength+1)}, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIDs(tt.ids)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidIDs)
			}
		})
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
