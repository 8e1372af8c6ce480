package usage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the accountant's counters to Prometheus.
type Metrics struct {
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	promptTokens     prometheus.Counter
	completionTokens prometheus.Counter
	tokensSaved      prometheus.Counter
}

// NewMetrics registers the usage counters with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_cache_hits_total",
			Help: "Number of lookups served from the semantic cache.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_cache_misses_total",
			Help: "Number of lookups that required an upstream model call.",
		}),
		promptTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_prompt_tokens_total",
			Help: "Prompt tokens consumed by upstream model calls.",
		}),
		completionTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_completion_tokens_total",
			Help: "Completion tokens consumed by upstream model calls.",
		}),
		tokensSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "semcache_tokens_saved_total",
			Help: "Tokens avoided by serving responses from cache.",
		}),
	}
}

func (m *Metrics) observe(promptTokens, completionTokens int, fromCache bool) {
	if fromCache {
		m.cacheHits.Inc()
		m.tokensSaved.Add(float64(promptTokens + completionTokens))
		return
	}
	m.cacheMisses.Inc()
	m.promptTokens.Add(float64(promptTokens))
	m.completionTokens.Add(float64(completionTokens))
}
