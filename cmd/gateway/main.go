package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"semcache/cache"
	"semcache/cache/failover"
	"semcache/cache/memory"
	qdrantstore "semcache/cache/qdrant"
	completionOpenai "semcache/completion/openai"
	"semcache/config"
	embeddingOpenai "semcache/embedding/openai"
	"semcache/router"
	"semcache/usage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fail to load config: %s\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fail to create logger: %s\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway exited", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder := embeddingOpenai.New(
		cfg.Embedding.Endpoint,
		cfg.Embedding.Model,
		cfg.Embedding.APIKeyEnv,
		cfg.Embedding.Dimensions,
		cfg.Embedding.Timeout(),
	)

	completionSvc := completionOpenai.New(
		cfg.Completion.Endpoint,
		cfg.Completion.APIKeyEnv,
		cfg.Completion.Timeout(),
		logger,
	)

	modelRouter, err := router.New(completionSvc, routerTiers(cfg.Router), logger)
	if err != nil {
		return fmt.Errorf("fail to build router: %w", err)
	}

	accountant := usage.NewAccountant(usage.NewMetrics(prometheus.DefaultRegisterer))

	var (
		cacheManager *cache.Manager
		serviceMode  = func() cache.ServiceMode { return cache.ModeDegraded }
	)
	if cfg.Cache.Enabled {
		primary, err := qdrantstore.New(qdrantstore.Config{
			Host:           cfg.Qdrant.Host,
			Port:           cfg.Qdrant.Port,
			APIKey:         os.Getenv(cfg.Qdrant.APIKeyEnv),
			UseTLS:         cfg.Qdrant.UseTLS,
			CollectionName: cfg.Cache.CollectionName,
			Dimensions:     cfg.Embedding.Dimensions,
			Timeout:        cfg.Qdrant.Timeout(),
			MaxInflight:    cfg.Qdrant.MaxInflight,
		}, logger)
		if err != nil {
			return fmt.Errorf("fail to init qdrant store: %w", err)
		}
		defer primary.Close() //nolint:errcheck

		fallback, err := memory.New(cfg.Cache.FallbackCapacity)
		if err != nil {
			return fmt.Errorf("fail to init fallback store: %w", err)
		}

		store := failover.New(primary, fallback, failover.Config{}, logger)
		defer store.Close()
		serviceMode = store.Mode

		cacheManager = cache.NewManager(store, embedder, accountant, cache.Config{
			SimilarityThreshold: cfg.Cache.SimilarityThreshold,
			TTL:                 cfg.Cache.TTL(),
			TopK:                cfg.Cache.TopK,
		}, logger)

		go evictLoop(ctx, cacheManager, cfg.Cache.EvictInterval(), logger)
	} else {
		logger.Info("semantic cache disabled by config")
	}

	handler := &Handler{
		cacheManager: cacheManager,
		router:       modelRouter,
		accountant:   accountant,
		mode:         serviceMode,
		logger:       logger,
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: newEngine(cfg.Server.Debug, handler),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting gateway", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("fail to shut down http server: %w", err)
	}
	return nil
}

func newEngine(debug bool, handler *Handler) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/v1/chat/completions", handler.ChatCompletions)
	engine.GET("/v1/cache/stats", handler.CacheStats)
	engine.POST("/v1/cache/evict", handler.CacheEvict)
	engine.GET("/healthz", handler.Healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if debug {
		engine.GET("/debug/pprof/", gin.WrapF(pprof.Index))
		engine.GET("/debug/pprof/cmdline", gin.WrapF(pprof.Cmdline))
		engine.GET("/debug/pprof/profile", gin.WrapF(pprof.Profile))
		engine.GET("/debug/pprof/symbol", gin.WrapF(pprof.Symbol))
		engine.GET("/debug/pprof/trace", gin.WrapF(pprof.Trace))
	}
	return engine
}

// evictLoop runs the periodic expiry sweep. A failed sweep only logs: lazy
// expiry at lookup time keeps results correct regardless.
func evictLoop(ctx context.Context, manager *cache.Manager, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if _, err := manager.EvictExpired(sweepCtx); err != nil {
				logger.Warn("periodic eviction failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func routerTiers(cfg config.Router) []router.Tier {
	tiers := make([]router.Tier, 0, len(cfg.Tiers))
	for _, tier := range cfg.Tiers {
		tiers = append(tiers, router.Tier{
			Model:         tier.Model,
			MaxComplexity: parseComplexity(tier.MaxComplexity),
		})
	}
	return tiers
}

func parseComplexity(s string) router.Complexity {
	switch s {
	case "simple":
		return router.Simple
	case "moderate":
		return router.Moderate
	default:
		return router.Complex
	}
}
