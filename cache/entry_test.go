package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases", "What Is Go?", "what is go?"},
		{"trims", "  hello  ", "hello"},
		{"collapses whitespace", "a  b\t c\nd", "a b c d"},
		{"empty", "   \n\t ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuery(tt.input))
		})
	}
}

func TestEntryIDDeterministic(t *testing.T) {
	a := EntryID("gpt-x", "what is go?")
	b := EntryID("gpt-x", "what is go?")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, EntryID("gpt-y", "what is go?"))
	assert.NotEqual(t, a, EntryID("gpt-x", "what is rust?"))
}

func TestEntryExpiredBoundary(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := Entry{CreatedAt: created, ExpiresAt: created.Add(time.Hour)}

	assert.False(t, entry.Expired(created))
	assert.False(t, entry.Expired(created.Add(time.Hour-time.Nanosecond)))
	// t == expires_at counts as expired: lookup at t0+h must miss.
	assert.True(t, entry.Expired(created.Add(time.Hour)))
	assert.True(t, entry.Expired(created.Add(2*time.Hour)))
}
