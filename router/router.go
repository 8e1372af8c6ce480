// Package router chooses which model tier should answer a query, using
// cheap complexity heuristics, and falls back one tier when the preferred
// model call fails.
package router

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"semcache/completion"
	"semcache/usage"
)

// Complexity is a small ordinal scale for query difficulty.
type Complexity int

const (
	Simple Complexity = iota
	Moderate
	Complex
)

func (c Complexity) String() string {
	switch c {
	case Simple:
		return "simple"
	case Moderate:
		return "moderate"
	case Complex:
		return "complex"
	default:
		return "unknown"
	}
}

// Thresholds for the complexity heuristics.
const (
	simpleMaxRunes  = 100
	complexMinRunes = 1200
	complexMinToken = 300
)

// moderateMarkers are keywords suggesting a multi-step or analytical query.
var moderateMarkers = []string{
	"explain", "compare", "analyze", "analyse", "summarize", "summarise",
	"step by step", "why does", "how does", "implement", "refactor", "debug",
}

// Classify scores a query on the ordinal complexity scale. Code fences and
// long inputs escalate straight to Complex.
func Classify(query string) Complexity {
	if strings.Contains(query, "```") {
		return Complex
	}
	runes := len([]rune(query))
	if runes >= complexMinRunes || usage.EstimateTokens(query) >= complexMinToken {
		return Complex
	}
	lower := strings.ToLower(query)
	for _, marker := range moderateMarkers {
		if strings.Contains(lower, marker) {
			return Moderate
		}
	}
	if runes < simpleMaxRunes {
		return Simple
	}
	return Moderate
}

// Tier maps a model to the highest complexity it should take. Tiers are
// ordered cheapest first.
type Tier struct {
	Model         string
	MaxComplexity Complexity
}

// Router routes queries to model tiers over a single completion service.
type Router struct {
	svc    completion.Service
	tiers  []Tier
	logger *zap.Logger
}

// New creates a router. tiers must be ordered cheapest first and non-empty.
func New(svc completion.Service, tiers []Tier, logger *zap.Logger) (*Router, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("router needs at least one model tier")
	}
	return &Router{svc: svc, tiers: tiers, logger: logger}, nil
}

// SelectModel picks the cheapest tier able to take the query's complexity.
// When available is non-empty, only models in it are considered; if nothing
// matches, the most capable tier wins.
func (r *Router) SelectModel(query string, available []string) string {
	complexity := Classify(query)
	allowed := func(model string) bool {
		if len(available) == 0 {
			return true
		}
		for _, m := range available {
			if m == model {
				return true
			}
		}
		return false
	}

	var last string
	for _, tier := range r.tiers {
		if !allowed(tier.Model) {
			continue
		}
		last = tier.Model
		if tier.MaxComplexity >= complexity {
			return tier.Model
		}
	}
	if last != "" {
		return last
	}
	return r.tiers[len(r.tiers)-1].Model
}

// Generate calls the given model; on failure it retries exactly once on the
// adjacent tier (the next cheaper one, or the next one up when the preferred
// model already is the cheapest), then surfaces the error.
func (r *Router) Generate(ctx context.Context, model, query string, temperature float64, maxTokens int) (*completion.Result, error) {
	result, err := r.svc.Generate(ctx, &completion.Request{
		Model:       model,
		Question:    query,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	fallback := r.fallbackFor(model)
	if fallback == "" {
		return nil, err
	}
	r.logger.Warn("model call failed, falling back one tier",
		zap.String("model", model),
		zap.String("fallback", fallback),
		zap.Error(err),
	)
	result, fallbackErr := r.svc.Generate(ctx, &completion.Request{
		Model:       fallback,
		Question:    query,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if fallbackErr != nil {
		return nil, fmt.Errorf("fallback model %s failed after %s: %w", fallback, model, fallbackErr)
	}
	return result, nil
}

func (r *Router) fallbackFor(model string) string {
	for i, tier := range r.tiers {
		if tier.Model != model {
			continue
		}
		if i > 0 {
			return r.tiers[i-1].Model
		}
		if len(r.tiers) > 1 {
			return r.tiers[1].Model
		}
		return ""
	}
	return ""
}
