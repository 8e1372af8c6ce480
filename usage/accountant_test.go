package usage

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordAndSnapshot(t *testing.T) {
	a := NewAccountant(nil)

	a.Record(100, 50, false)
	a.Record(200, 100, false)
	a.Record(100, 50, true)

	stats := a.Snapshot()
	assert.EqualValues(t, 300, stats.PromptTokens)
	assert.EqualValues(t, 150, stats.CompletionTokens)
	assert.EqualValues(t, 450, stats.TotalTokens)
	assert.EqualValues(t, 2, stats.CachedQueries)
	assert.EqualValues(t, 1, stats.CacheHits)
	assert.EqualValues(t, 150, stats.TokensSaved)
	assert.InDelta(t, 1.0/3.0, stats.CacheHitRate, 1e-9)
	assert.InDelta(t, 150.0/600.0*100, stats.SavingsPercent, 1e-9)
	assert.InDelta(t, 300*0.03/1000+150*0.06/1000, stats.EstimatedCostUSD, 1e-9)
	assert.InDelta(t, 150*0.04/1000, stats.EstimatedSavingsUSD, 1e-9)
}

func TestSnapshotEmpty(t *testing.T) {
	stats := NewAccountant(nil).Snapshot()

	assert.Zero(t, stats.TotalTokens)
	assert.Zero(t, stats.CacheHitRate)
	assert.Zero(t, stats.SavingsPercent)
	assert.Zero(t, stats.EstimatedCostUSD)
	assert.False(t, stats.SessionStart.IsZero())
}

func TestRecordConcurrent(t *testing.T) {
	a := NewAccountant(nil)

	const workers = 8
	const perWorker = 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				a.Record(10, 5, j%2 == 0)
			}
		}()
	}
	wg.Wait()

	stats := a.Snapshot()
	assert.EqualValues(t, workers*perWorker/2, stats.CacheHits)
	assert.EqualValues(t, workers*perWorker/2, stats.CachedQueries)
	assert.EqualValues(t, workers*perWorker/2*15, stats.TokensSaved)
	assert.EqualValues(t, workers*perWorker/2*10, stats.PromptTokens)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Greater(t, EstimateTokens("hello"), 0)

	short := EstimateTokens("What is Go?")
	long := EstimateTokens(strings.Repeat("structured concurrency in distributed systems ", 50))
	assert.Greater(t, long, short)
}
