// Package config loads the gateway configuration from YAML with environment
// overrides for deploy-time settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Server     Server     `yaml:"server"`
	Qdrant     Qdrant     `yaml:"qdrant"`
	Embedding  Embedding  `yaml:"embedding"`
	Completion Completion `yaml:"completion"`
	Cache      Cache      `yaml:"cache"`
	Router     Router     `yaml:"router"`
}

type Server struct {
	Port  int  `yaml:"port"`
	Debug bool `yaml:"debug"`
}

type Qdrant struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	APIKeyEnv      string `yaml:"api_key_env"`
	UseTLS         bool   `yaml:"use_tls"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxInflight    int64  `yaml:"max_inflight"`
}

type Embedding struct {
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	Dimensions     int    `yaml:"dimensions"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Completion struct {
	Endpoint       string `yaml:"endpoint"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Cache struct {
	Enabled              bool    `yaml:"enabled"`
	CollectionName       string  `yaml:"collection_name"`
	SimilarityThreshold  float32 `yaml:"similarity_threshold"`
	TTLHours             int     `yaml:"ttl_hours"`
	TopK                 int     `yaml:"top_k"`
	FallbackCapacity     int     `yaml:"fallback_capacity"`
	EvictIntervalMinutes int     `yaml:"evict_interval_minutes"`
}

type Router struct {
	Tiers []Tier `yaml:"tiers"`
}

type Tier struct {
	Model         string `yaml:"model"`
	MaxComplexity string `yaml:"max_complexity"` // simple | moderate | complex
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Port: 8080,
		},
		Qdrant: Qdrant{
			Host:           "localhost",
			Port:           6334,
			TimeoutSeconds: 5,
			MaxInflight:    32,
		},
		Embedding: Embedding{
			Endpoint:       "https://api.openai.com/v1/embeddings",
			Model:          "text-embedding-3-small",
			APIKeyEnv:      "OPENAI_API_KEY",
			Dimensions:     1536,
			TimeoutSeconds: 5,
		},
		Completion: Completion{
			Endpoint:       "https://api.openai.com/v1/chat/completions",
			APIKeyEnv:      "OPENAI_API_KEY",
			TimeoutSeconds: 120,
		},
		Cache: Cache{
			Enabled:              true,
			CollectionName:       "llm_cache",
			SimilarityThreshold:  0.95,
			TTLHours:             168,
			TopK:                 1,
			FallbackCapacity:     10000,
			EvictIntervalMinutes: 60,
		},
		Router: Router{
			Tiers: []Tier{
				{Model: "gpt-4o-mini", MaxComplexity: "simple"},
				{Model: "gpt-4o", MaxComplexity: "complex"},
			},
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("fail to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("fail to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides deploy-time settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DEBUG_MODE"); v == "true" {
		c.Server.Debug = true
	}
	if v := os.Getenv("QDRANT_HOST"); v != "" {
		c.Qdrant.Host = v
	}
	if v := os.Getenv("QDRANT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Qdrant.Port = port
		}
	}
	if v := os.Getenv("EMBEDDING_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("COMPLETION_ENDPOINT"); v != "" {
		c.Completion.Endpoint = v
	}
}

// Validate rejects configurations that would misbehave silently.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in (0, 1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.Cache.TTLHours < 0 {
		return fmt.Errorf("ttl_hours must not be negative, got %d", c.Cache.TTLHours)
	}
	if c.Cache.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", c.Cache.TopK)
	}
	if c.Cache.FallbackCapacity <= 0 {
		return fmt.Errorf("fallback_capacity must be positive, got %d", c.Cache.FallbackCapacity)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Cache.CollectionName == "" {
		return fmt.Errorf("collection_name must not be empty")
	}
	if len(c.Router.Tiers) == 0 {
		return fmt.Errorf("router needs at least one tier")
	}
	for _, tier := range c.Router.Tiers {
		switch tier.MaxComplexity {
		case "simple", "moderate", "complex":
		default:
			return fmt.Errorf("invalid max_complexity %q for model %s", tier.MaxComplexity, tier.Model)
		}
		if tier.Model == "" {
			return fmt.Errorf("router tier without a model")
		}
	}
	return nil
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// EvictInterval returns the period of the background expiry sweep.
func (c *Cache) EvictInterval() time.Duration {
	return time.Duration(c.EvictIntervalMinutes) * time.Minute
}

// Timeout returns the per-operation Qdrant timeout.
func (q *Qdrant) Timeout() time.Duration {
	return time.Duration(q.TimeoutSeconds) * time.Second
}

// Timeout returns the embedding request timeout.
func (e *Embedding) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Timeout returns the completion request timeout.
func (c *Completion) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
