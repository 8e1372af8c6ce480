// Package qdrant implements the durable cache.Store backend on a Qdrant
// collection.
package qdrant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"semcache/cache"
)

// Config holds connection and collection settings.
type Config struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	CollectionName string
	Dimensions     int
	// Timeout bounds every individual store operation.
	Timeout time.Duration
	// MaxInflight bounds concurrent in-flight network operations.
	MaxInflight int64
}

// Store implements cache.Store using Qdrant as the backend.
type Store struct {
	qdrantClient *qdrant.Client
	cfg          Config
	logger       *zap.Logger
	inflight     *semaphore.Weighted

	mu    sync.Mutex
	ready bool
}

// New creates a Qdrant-backed store. The server is not contacted here; the
// collection is created lazily on the first operation (or health probe), so
// a gateway can start while Qdrant is down and recover later.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 32
	}
	qclient, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("fail to create qdrant client: %w", err)
	}
	return &Store{
		qdrantClient: qclient,
		cfg:          cfg,
		logger:       logger,
		inflight:     semaphore.NewWeighted(cfg.MaxInflight),
	}, nil
}

// Close releases the underlying gRPC connection.
func (s *Store) Close() error {
	return s.qdrantClient.Close()
}

// Upsert implements cache.Store.
func (s *Store) Upsert(ctx context.Context, entry cache.Entry, vector []float32) error {
	if s.cfg.Dimensions > 0 && len(vector) != s.cfg.Dimensions {
		return fmt.Errorf("embedding dimension mismatch: got %d, collection expects %d",
			len(vector), s.cfg.Dimensions)
	}
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.qdrantClient.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.CollectionName,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(entry.ID),
				Vectors: qdrant.NewVectorsDense(vector),
				Payload: qdrant.NewValueMap(map[string]any{
					"query_text":        entry.QueryText,
					"response_text":     entry.ResponseText,
					"model":             entry.Model,
					"prompt_tokens":     int64(entry.PromptTokens),
					"completion_tokens": int64(entry.CompletionTokens),
					"created_at":        entry.CreatedAt.Unix(),
					"expires_at":        entry.ExpiresAt.Unix(),
					"hit_count":         entry.HitCount,
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("fail to upsert qdrant point: %w", err)
	}
	return nil
}

// Search implements cache.Store. Results are scoped to the model partition
// and ranked by cosine similarity; threshold filtering is the caller's job.
func (s *Store) Search(ctx context.Context, vector []float32, model string, topK int) ([]cache.Match, error) {
	if topK <= 0 {
		topK = 1
	}
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	limit := uint64(topK)
	points, err := s.qdrantClient.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.CollectionName,
		Query:          qdrant.NewQueryDense(vector),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("model", model),
			},
		},
		Limit:       &limit,
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("fail to search qdrant: %w", err)
	}

	matches := make([]cache.Match, 0, len(points))
	for _, point := range points {
		matches = append(matches, cache.Match{
			Entry: entryFromPayload(point.Id.GetUuid(), point.Payload),
			Score: point.Score,
		})
	}
	return matches, nil
}

// Delete implements cache.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.qdrantClient.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.CollectionName,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(id)),
	})
	if err != nil {
		return fmt.Errorf("fail to delete qdrant point: %w", err)
	}
	return nil
}

// SetHitCount implements cache.Store. Only the hit_count payload field is
// touched, the vector is left in place.
func (s *Store) SetHitCount(ctx context.Context, id string, hits int64) error {
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.qdrantClient.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.cfg.CollectionName,
		Payload:        qdrant.NewValueMap(map[string]any{"hit_count": hits}),
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewID(id)),
	})
	if err != nil {
		return fmt.Errorf("fail to update hit count: %w", err)
	}
	return nil
}

// DeleteExpired implements cache.Store using a server-side range filter, so
// the sweep never pages points through the client.
func (s *Store) DeleteExpired(ctx context.Context, now int64) (int, error) {
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	expired := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewRange("expires_at", &qdrant.Range{
				Lte: qdrant.PtrOf(float64(now)),
			}),
		},
	}

	count, err := s.qdrantClient.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.CollectionName,
		Filter:         expired,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("fail to count expired points: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	_, err = s.qdrantClient.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.CollectionName,
		Points:         qdrant.NewPointsSelectorFilter(expired),
	})
	if err != nil {
		return 0, fmt.Errorf("fail to delete expired points: %w", err)
	}
	return int(count), nil
}

// Health implements cache.Store: a reachable server with the collection in
// place.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if _, err := s.qdrantClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return s.ensureCollection(ctx)
}

// begin acquires an in-flight slot, applies the per-op timeout and ensures
// the collection exists. release must be called when the operation is done.
func (s *Store) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.inflight.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("fail to acquire qdrant slot: %w", err)
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	release := func() {
		cancel()
		s.inflight.Release(1)
	}
	if err := s.ensureCollection(opCtx); err != nil {
		release()
		return nil, nil, err
	}
	return opCtx, release, nil
}

// ensureCollection creates the cache collection once. Retried on later calls
// if an earlier attempt failed, e.g. because Qdrant was down at startup.
func (s *Store) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	isExist, err := s.qdrantClient.CollectionExists(ctx, s.cfg.CollectionName)
	if err != nil {
		return fmt.Errorf("fail to check if collection %s exists: %w", s.cfg.CollectionName, err)
	}
	if !isExist {
		err = s.qdrantClient.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.cfg.CollectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.cfg.Dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("fail to create collection: %w", err)
		}
		s.logger.Info("created qdrant collection", zap.String("collection", s.cfg.CollectionName))
	}
	s.ready = true
	return nil
}

func entryFromPayload(id string, payload map[string]*qdrant.Value) cache.Entry {
	return cache.Entry{
		ID:               id,
		QueryText:        payload["query_text"].GetStringValue(),
		ResponseText:     payload["response_text"].GetStringValue(),
		Model:            payload["model"].GetStringValue(),
		PromptTokens:     int(payload["prompt_tokens"].GetIntegerValue()),
		CompletionTokens: int(payload["completion_tokens"].GetIntegerValue()),
		CreatedAt:        time.Unix(payload["created_at"].GetIntegerValue(), 0),
		ExpiresAt:        time.Unix(payload["expires_at"].GetIntegerValue(), 0),
		HitCount:         payload["hit_count"].GetIntegerValue(),
	}
}
