package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semcache/cache"
)

func testEntry(id, model, response string) cache.Entry {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return cache.Entry{
		ID:           id,
		QueryText:    "q-" + id,
		ResponseText: response,
		Model:        model,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}
}

func TestUpsertAndSearchRanksByCosine(t *testing.T) {
	store, err := New(10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, testEntry("a", "m", "far"), []float32{0, 1, 0}))
	require.NoError(t, store.Upsert(ctx, testEntry("b", "m", "near"), []float32{0.9, 0.1, 0}))
	require.NoError(t, store.Upsert(ctx, testEntry("c", "m", "exact"), []float32{1, 0, 0}))

	matches, err := store.Search(ctx, []float32{1, 0, 0}, "m", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "exact", matches[0].Entry.ResponseText)
	assert.Equal(t, "near", matches[1].Entry.ResponseText)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	assert.InDelta(t, 1.0, float64(matches[0].Score), 1e-6)
}

func TestSearchFiltersByModel(t *testing.T) {
	store, err := New(10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, testEntry("a", "gpt-x", "x"), []float32{1, 0}))
	require.NoError(t, store.Upsert(ctx, testEntry("b", "gpt-y", "y"), []float32{1, 0}))

	matches, err := store.Search(ctx, []float32{1, 0}, "gpt-x", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "x", matches[0].Entry.ResponseText)
}

func TestUpsertOverwritesSameID(t *testing.T) {
	store, err := New(10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, testEntry("a", "m", "old"), []float32{1, 0}))
	require.NoError(t, store.Upsert(ctx, testEntry("a", "m", "new"), []float32{1, 0}))

	assert.Equal(t, 1, store.Len())
	matches, err := store.Search(ctx, []float32{1, 0}, "m", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "new", matches[0].Entry.ResponseText)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	store, err := New(3)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("e%d", i)
		require.NoError(t, store.Upsert(ctx, testEntry(id, "m", id), []float32{1, 0}))
	}
	// Touch e0 so e1 becomes the eviction candidate.
	require.NoError(t, store.SetHitCount(ctx, "e0", 1))

	require.NoError(t, store.Upsert(ctx, testEntry("e3", "m", "e3"), []float32{1, 0}))
	assert.Equal(t, 3, store.Len())

	matches, err := store.Search(ctx, []float32{1, 0}, "m", 10)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, match := range matches {
		seen[match.Entry.ID] = true
	}
	assert.True(t, seen["e0"])
	assert.False(t, seen["e1"])
	assert.True(t, seen["e2"])
	assert.True(t, seen["e3"])
}

func TestDelete(t *testing.T) {
	store, err := New(10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, testEntry("a", "m", "a"), []float32{1, 0}))
	require.NoError(t, store.Delete(ctx, "a"))
	require.NoError(t, store.Delete(ctx, "a")) // deleting a missing id is fine
	assert.Equal(t, 0, store.Len())
}

func TestSetHitCount(t *testing.T) {
	store, err := New(10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, testEntry("a", "m", "a"), []float32{1, 0}))
	require.NoError(t, store.SetHitCount(ctx, "a", 7))
	require.NoError(t, store.SetHitCount(ctx, "missing", 1))

	matches, err := store.Search(ctx, []float32{1, 0}, "m", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.EqualValues(t, 7, matches[0].Entry.HitCount)
}

func TestDeleteExpired(t *testing.T) {
	store, err := New(10)
	require.NoError(t, err)
	ctx := context.Background()

	fresh := testEntry("fresh", "m", "fresh")
	stale := testEntry("stale", "m", "stale")
	stale.ExpiresAt = stale.CreatedAt.Add(time.Minute)

	require.NoError(t, store.Upsert(ctx, fresh, []float32{1, 0}))
	require.NoError(t, store.Upsert(ctx, stale, []float32{0, 1}))

	removed, err := store.DeleteExpired(ctx, stale.CreatedAt.Add(30*time.Minute).Unix())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}

func TestUpsertRejectsEmptyVector(t *testing.T) {
	store, err := New(10)
	require.NoError(t, err)

	err = store.Upsert(context.Background(), testEntry("a", "m", "a"), nil)
	assert.Error(t, err)
}

func TestCosine(t *testing.T) {
	score, ok := cosine([]float32{1, 0}, []float32{1, 0})
	require.True(t, ok)
	assert.InDelta(t, 1.0, float64(score), 1e-6)

	score, ok = cosine([]float32{1, 0}, []float32{0, 1})
	require.True(t, ok)
	assert.InDelta(t, 0.0, float64(score), 1e-6)

	_, ok = cosine([]float32{1, 0}, []float32{1, 0, 0})
	assert.False(t, ok)

	_, ok = cosine([]float32{0, 0}, []float32{1, 0})
	assert.False(t, ok)
}
