// Package usage tracks token consumption and the savings produced by
// semantic cache hits.
package usage

import (
	"time"

	"go.uber.org/atomic"
)

// Reference per-1K-token pricing used for the reported cost estimates.
const (
	promptCostPer1K     = 0.03
	completionCostPer1K = 0.06
	savedCostPer1K      = 0.04
)

// Accountant aggregates prompt/completion token counts and cache-hit
// savings. All counters are atomic; Record is safe for concurrent use.
type Accountant struct {
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	cachedQueries    atomic.Int64
	cacheHits        atomic.Int64
	tokensSaved      atomic.Int64
	sessionStart     time.Time
	metrics          *Metrics
}

// NewAccountant creates an accountant. metrics may be nil.
func NewAccountant(metrics *Metrics) *Accountant {
	return &Accountant{
		sessionStart: time.Now(),
		metrics:      metrics,
	}
}

// Record adds one call's token counts. A cache hit counts the full
// prompt+completion as saved, since the hit avoided the whole call.
func (a *Accountant) Record(promptTokens, completionTokens int, fromCache bool) {
	if fromCache {
		a.cacheHits.Inc()
		a.tokensSaved.Add(int64(promptTokens + completionTokens))
	} else {
		a.cachedQueries.Inc()
		a.promptTokens.Add(int64(promptTokens))
		a.completionTokens.Add(int64(completionTokens))
	}
	if a.metrics != nil {
		a.metrics.observe(promptTokens, completionTokens, fromCache)
	}
}

// Stats is an immutable snapshot of the counters plus derived figures.
type Stats struct {
	SessionStart        time.Time `json:"session_start"`
	PromptTokens        int64     `json:"prompt_tokens"`
	CompletionTokens    int64     `json:"completion_tokens"`
	TotalTokens         int64     `json:"total_tokens"`
	CachedQueries       int64     `json:"cached_queries"`
	CacheHits           int64     `json:"cache_hits"`
	CacheHitRate        float64   `json:"cache_hit_rate"`
	TokensSaved         int64     `json:"tokens_saved"`
	SavingsPercent      float64   `json:"savings_percent"`
	EstimatedCostUSD    float64   `json:"estimated_cost_usd"`
	EstimatedSavingsUSD float64   `json:"estimated_savings_usd"`
}

// Snapshot returns a copy of the current counters. No side effects.
func (a *Accountant) Snapshot() Stats {
	prompt := a.promptTokens.Load()
	completion := a.completionTokens.Load()
	misses := a.cachedQueries.Load()
	hits := a.cacheHits.Load()
	saved := a.tokensSaved.Load()

	stats := Stats{
		SessionStart:        a.sessionStart,
		PromptTokens:        prompt,
		CompletionTokens:    completion,
		TotalTokens:         prompt + completion,
		CachedQueries:       misses,
		CacheHits:           hits,
		TokensSaved:         saved,
		EstimatedCostUSD:    float64(prompt)*promptCostPer1K/1000 + float64(completion)*completionCostPer1K/1000,
		EstimatedSavingsUSD: float64(saved) * savedCostPer1K / 1000,
	}
	if total := hits + misses; total > 0 {
		stats.CacheHitRate = float64(hits) / float64(total)
	}
	if withCache := stats.TotalTokens + saved; withCache > 0 {
		stats.SavingsPercent = float64(saved) / float64(withCache) * 100
	}
	return stats
}
