package cache

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyQuery is returned when a query is empty after normalization.
var ErrEmptyQuery = errors.New("query is empty after normalization")

// Entry is one cached question/answer pair.
type Entry struct {
	ID               string
	QueryText        string
	ResponseText     string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
	ExpiresAt        time.Time
	HitCount         int64
}

// Expired reports whether the entry's TTL has passed at the given time.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Match is a search candidate with its cosine similarity score.
type Match struct {
	Entry Entry
	Score float32
}

// Result is the outcome of a cache lookup. Hit is false on a miss, in which
// case Entry and Score are zero values.
type Result struct {
	Hit   bool
	Entry Entry
	Score float32
}

// NormalizeQuery trims, casefolds and collapses whitespace so that trivially
// different phrasings of the same text share one identity.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// EntryID derives the deterministic point id for a (model, normalized query)
// pair. Upserting by this id makes Store idempotent under concurrent
// duplicate misses.
func EntryID(model, normalizedQuery string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(model+":"+normalizedQuery)).String()
}
