package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"semcache/completion"
	"semcache/embedding"
	"semcache/usage"
)

// Config controls lookup and retention behavior of the Manager.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a hit.
	// Comparison is >=, so an identical query (score 1.0) always hits.
	SimilarityThreshold float32

	// TTL is the lifetime of a stored entry. Zero makes entries expire
	// immediately, which effectively disables serving from cache.
	TTL time.Duration

	// TopK is the number of candidates considered per lookup.
	TopK int

	// MaxQueryText bounds the query text kept in the payload for diagnostics.
	MaxQueryText int
}

const (
	defaultSimilarityThreshold = 0.95
	defaultTTL                 = 168 * time.Hour
	defaultTopK                = 1
	defaultMaxQueryText        = 1000

	// asyncOpTimeout bounds best-effort background writes (lazy deletes).
	asyncOpTimeout = 5 * time.Second
)

// Manager is the semantic cache core. It owns entry lifecycle: callers only
// request Lookup/Store operations and never mutate entries directly.
type Manager struct {
	store    Store
	embedder embedding.Service
	usage    *usage.Accountant
	cfg      Config
	logger   *zap.Logger
	flight   singleflight.Group
	now      func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source, mainly for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a semantic cache manager on top of the given backend.
// The accountant may be nil if usage tracking is not wanted.
func NewManager(store Store, embedder embedding.Service, accountant *usage.Accountant,
	cfg Config, logger *zap.Logger, opts ...Option) *Manager {

	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaultSimilarityThreshold
	}
	if cfg.TTL < 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.MaxQueryText <= 0 {
		cfg.MaxQueryText = defaultMaxQueryText
	}
	m := &Manager{
		store:    store,
		embedder: embedder,
		usage:    accountant,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lookup searches the cache for a semantically similar query within the
// model partition. Vector-store failures are absorbed as a miss: a broken
// cache must never break the primary request path. Embedding failures are
// returned, since the underlying call could not be served from cache anyway.
func (m *Manager) Lookup(ctx context.Context, query, model string) (Result, error) {
	normalized := NormalizeQuery(query)
	if normalized == "" {
		return Result{}, ErrEmptyQuery
	}

	vector, err := m.embedder.Get(ctx, normalized)
	if err != nil {
		return Result{}, fmt.Errorf("fail to embed query: %w", err)
	}

	matches, err := m.store.Search(ctx, vector, model, m.cfg.TopK)
	if err != nil {
		m.logger.Warn("cache search failed, treating as miss", zap.Error(err))
		return Result{}, nil
	}

	best, ok := m.selectBest(matches)
	if !ok {
		return Result{}, nil
	}

	if best.Entry.Expired(m.now()) {
		m.deleteLazily(best.Entry.ID)
		return Result{}, nil
	}

	best.Entry.HitCount++
	if err := m.store.SetHitCount(ctx, best.Entry.ID, best.Entry.HitCount); err != nil {
		m.logger.Warn("fail to bump hit count", zap.String("id", best.Entry.ID), zap.Error(err))
	}
	if m.usage != nil {
		m.usage.Record(best.Entry.PromptTokens, best.Entry.CompletionTokens, true)
	}
	m.logger.Debug("cache hit",
		zap.String("id", best.Entry.ID),
		zap.String("model", model),
		zap.Float32("score", best.Score),
	)
	return Result{Hit: true, Entry: best.Entry, Score: best.Score}, nil
}

// selectBest filters candidates below the threshold and applies the
// tie-break policy: highest similarity first, then most recently created.
func (m *Manager) selectBest(matches []Match) (Match, bool) {
	eligible := matches[:0:0]
	for _, match := range matches {
		if match.Score >= m.cfg.SimilarityThreshold {
			eligible = append(eligible, match)
		}
	}
	if len(eligible) == 0 {
		return Match{}, false
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score > eligible[j].Score
		}
		return eligible[i].Entry.CreatedAt.After(eligible[j].Entry.CreatedAt)
	})
	return eligible[0], true
}

// Store embeds the query and upserts the entry under its deterministic id.
// Storing the same (query, model) twice replaces the previous entry.
func (m *Manager) Store(ctx context.Context, query, model, response string,
	promptTokens, completionTokens int) error {

	normalized := NormalizeQuery(query)
	if normalized == "" {
		return ErrEmptyQuery
	}

	if m.usage != nil {
		m.usage.Record(promptTokens, completionTokens, false)
	}

	vector, err := m.embedder.Get(ctx, normalized)
	if err != nil {
		return fmt.Errorf("fail to embed query: %w", err)
	}

	now := m.now()
	entry := Entry{
		ID:               EntryID(model, normalized),
		QueryText:        truncate(query, m.cfg.MaxQueryText),
		ResponseText:     response,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.cfg.TTL),
	}
	if err := m.store.Upsert(ctx, entry, vector); err != nil {
		return fmt.Errorf("fail to store cache entry: %w", err)
	}
	return nil
}

// EvictExpired proactively removes entries whose TTL has passed and returns
// the number removed. Lazy expiry at lookup time remains the correctness
// backstop, so a failed sweep is non-fatal to callers.
func (m *Manager) EvictExpired(ctx context.Context) (int, error) {
	count, err := m.store.DeleteExpired(ctx, m.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("fail to sweep expired entries: %w", err)
	}
	if count > 0 {
		m.logger.Info("evicted expired cache entries", zap.Int("count", count))
	}
	return count, nil
}

// Do answers a query through the cache, invoking generate on a miss and
// storing the result. Concurrent misses for the same normalized query share
// a single generate call, keyed on the same id used for the upsert.
// The second return value reports whether the answer came from cache.
func (m *Manager) Do(ctx context.Context, query, model string,
	generate func(ctx context.Context) (*completion.Result, error)) (*completion.Result, bool, error) {

	result, err := m.Lookup(ctx, query, model)
	switch {
	case errors.Is(err, ErrEmptyQuery):
		return nil, false, err
	case err != nil:
		// Embedding outage: bypass the cache, the call itself can still work.
		m.logger.Warn("cache lookup unavailable", zap.Error(err))
	case result.Hit:
		return &completion.Result{
			Text:             result.Entry.ResponseText,
			PromptTokens:     result.Entry.PromptTokens,
			CompletionTokens: result.Entry.CompletionTokens,
		}, true, nil
	}

	key := EntryID(model, NormalizeQuery(query))
	v, genErr, _ := m.flight.Do(key, func() (interface{}, error) {
		out, err := generate(ctx)
		if err != nil {
			return nil, err
		}
		if storeErr := m.Store(ctx, query, model, out.Text, out.PromptTokens, out.CompletionTokens); storeErr != nil {
			m.logger.Warn("fail to cache response", zap.Error(storeErr))
		}
		return out, nil
	})
	if genErr != nil {
		return nil, false, genErr
	}
	return v.(*completion.Result), false, nil
}

// deleteLazily removes an expired entry in the background, detached from the
// request so expiry never adds latency. Best effort only.
func (m *Manager) deleteLazily(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncOpTimeout)
		defer cancel()
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Debug("lazy delete failed", zap.String("id", id), zap.Error(err))
		}
	}()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
