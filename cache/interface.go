package cache

import "context"

// ServiceMode is the process-wide availability state of the durable vector
// backend, owned by the failover manager.
type ServiceMode int32

const (
	ModeConnected ServiceMode = iota
	ModeDegraded
)

func (m ServiceMode) String() string {
	switch m {
	case ModeConnected:
		return "connected"
	case ModeDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Store is the narrow vector-backend contract for semantic cache storage.
// Both the Qdrant client and the in-memory fallback implement it, so the
// Manager stays backend-agnostic.
type Store interface {
	// Upsert inserts or replaces the entry identified by entry.ID.
	Upsert(ctx context.Context, entry Entry, vector []float32) error

	// Search returns up to topK entries of the given model partition,
	// ranked by cosine similarity against vector.
	Search(ctx context.Context, vector []float32, model string, topK int) ([]Match, error)

	// Delete removes the entry with the given id. Missing ids are not an error.
	Delete(ctx context.Context, id string) error

	// SetHitCount overwrites the stored hit counter for an entry.
	SetHitCount(ctx context.Context, id string, hits int64) error

	// DeleteExpired removes every entry whose expiry (unix seconds) is at or
	// before now and returns the number removed.
	DeleteExpired(ctx context.Context, now int64) (int, error)

	// Health reports whether the backend is reachable and ready.
	Health(ctx context.Context) error
}
