// Package memory implements a bounded, process-local cache.Store used while
// the durable vector backend is degraded. Entries written here are never
// reconciled back into the durable store and are lost on restart.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"semcache/cache"
)

const defaultCapacity = 10000

type record struct {
	entry  cache.Entry
	vector []float32
}

// Store is an LRU-bounded in-memory vector store. Search is brute-force
// cosine similarity over the bounded set, O(capacity) by construction.
type Store struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *record]
}

// New creates a fallback store holding at most capacity entries. The least
// recently used entry is evicted when the bound is reached.
func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	entries, err := lru.New[string, *record](capacity)
	if err != nil {
		return nil, fmt.Errorf("fail to create fallback lru: %w", err)
	}
	return &Store{entries: entries}, nil
}

// Upsert implements cache.Store.
func (s *Store) Upsert(_ context.Context, entry cache.Entry, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty embedding vector for entry %s", entry.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Add(entry.ID, &record{entry: entry, vector: vector})
	return nil
}

// Search implements cache.Store.
func (s *Store) Search(_ context.Context, vector []float32, model string, topK int) ([]cache.Match, error) {
	if topK <= 0 {
		topK = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []cache.Match
	for _, id := range s.entries.Keys() {
		rec, ok := s.entries.Peek(id)
		if !ok || rec.entry.Model != model {
			continue
		}
		score, ok := cosine(vector, rec.vector)
		if !ok {
			continue
		}
		matches = append(matches, cache.Match{Entry: rec.entry, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Delete implements cache.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(id)
	return nil
}

// SetHitCount implements cache.Store. A served hit also refreshes the
// entry's LRU recency.
func (s *Store) SetHitCount(_ context.Context, id string, hits int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries.Get(id)
	if !ok {
		return nil
	}
	rec.entry.HitCount = hits
	return nil
}

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(_ context.Context, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range s.entries.Keys() {
		rec, ok := s.entries.Peek(id)
		if !ok {
			continue
		}
		if rec.entry.ExpiresAt.Unix() <= now {
			s.entries.Remove(id)
			removed++
		}
	}
	return removed, nil
}

// Health implements cache.Store. The in-process store is always available.
func (s *Store) Health(_ context.Context) error {
	return nil
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// cosine returns the cosine similarity of a and b, or false when the
// dimensions differ or either vector has zero magnitude.
func cosine(a, b []float32) (float32, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB))), true
}
