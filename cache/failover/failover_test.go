package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"semcache/cache"
)

var errDown = errors.New("backend down")

// fakeStore records operations and fails on demand.
type fakeStore struct {
	healthy  atomic.Bool
	failOps  atomic.Bool
	searches atomic.Int64
	upserts  atomic.Int64
}

func newFakeStore(healthy bool) *fakeStore {
	s := &fakeStore{}
	s.healthy.Store(healthy)
	return s
}

func (s *fakeStore) opErr() error {
	if s.failOps.Load() {
		return errDown
	}
	return nil
}

func (s *fakeStore) Upsert(context.Context, cache.Entry, []float32) error {
	s.upserts.Inc()
	return s.opErr()
}

func (s *fakeStore) Search(context.Context, []float32, string, int) ([]cache.Match, error) {
	s.searches.Inc()
	return nil, s.opErr()
}

func (s *fakeStore) Delete(context.Context, string) error             { return s.opErr() }
func (s *fakeStore) SetHitCount(context.Context, string, int64) error { return s.opErr() }
func (s *fakeStore) DeleteExpired(context.Context, int64) (int, error) {
	return 0, s.opErr()
}

func (s *fakeStore) Health(context.Context) error {
	if !s.healthy.Load() {
		return errDown
	}
	return nil
}

func fastConfig() Config {
	return Config{
		ProbeTimeout:         time.Second,
		ProbeInitialInterval: 5 * time.Millisecond,
		ProbeMaxInterval:     20 * time.Millisecond,
		HealthInterval:       10 * time.Millisecond,
	}
}

func TestStartsConnectedWhenPrimaryHealthy(t *testing.T) {
	manager := New(newFakeStore(true), newFakeStore(true), fastConfig(), zap.NewNop())
	defer manager.Close()

	assert.Equal(t, cache.ModeConnected, manager.Mode())
}

func TestStartsDegradedWhenPrimaryUnreachable(t *testing.T) {
	primary := newFakeStore(false)
	fallback := newFakeStore(true)
	manager := New(primary, fallback, fastConfig(), zap.NewNop())
	defer manager.Close()

	assert.Equal(t, cache.ModeDegraded, manager.Mode())

	// Operations must land on the fallback while degraded.
	_, err := manager.Search(context.Background(), []float32{1}, "m", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, fallback.searches.Load())
	assert.EqualValues(t, 0, primary.searches.Load())
}

func TestOperationFailureDegradesAndRetriesOnFallback(t *testing.T) {
	primary := newFakeStore(true)
	fallback := newFakeStore(true)
	manager := New(primary, fallback, fastConfig(), zap.NewNop())
	defer manager.Close()

	primary.healthy.Store(false)
	primary.failOps.Store(true)

	err := manager.Upsert(context.Background(), cache.Entry{ID: "a"}, []float32{1})
	require.NoError(t, err)
	assert.Equal(t, cache.ModeDegraded, manager.Mode())
	assert.EqualValues(t, 1, primary.upserts.Load())
	assert.EqualValues(t, 1, fallback.upserts.Load())
}

func TestCallerCancellationDoesNotDegrade(t *testing.T) {
	primary := newFakeStore(true)
	fallback := newFakeStore(true)
	manager := New(primary, fallback, fastConfig(), zap.NewNop())
	defer manager.Close()

	primary.failOps.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := manager.Delete(ctx, "a")
	assert.Error(t, err)
	assert.Equal(t, cache.ModeConnected, manager.Mode())
}

func TestRecoversWhenPrimaryComesBack(t *testing.T) {
	primary := newFakeStore(false)
	fallback := newFakeStore(true)
	manager := New(primary, fallback, fastConfig(), zap.NewNop())
	defer manager.Close()

	require.Equal(t, cache.ModeDegraded, manager.Mode())

	primary.healthy.Store(true)
	require.Eventually(t, func() bool {
		return manager.Mode() == cache.ModeConnected
	}, 2*time.Second, 5*time.Millisecond)

	_, err := manager.Search(context.Background(), []float32{1}, "m", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, primary.searches.Load())
}

func TestDegradeEventEmittedOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	primary := newFakeStore(true)
	fallback := newFakeStore(true)
	// Long intervals so the probe loop cannot flip the mode back mid-test.
	manager := New(primary, fallback, Config{
		ProbeTimeout:         time.Second,
		ProbeInitialInterval: time.Minute,
		ProbeMaxInterval:     time.Minute,
		HealthInterval:       time.Minute,
	}, zap.New(core))
	defer manager.Close()

	primary.failOps.Store(true)
	for i := 0; i < 5; i++ {
		_ = manager.Delete(context.Background(), "a")
	}

	degraded := logs.FilterMessageSnippet("degraded").Len()
	assert.Equal(t, 1, degraded)
	assert.Equal(t, cache.ModeDegraded, manager.Mode())
}

func TestHealthFollowsActiveBackend(t *testing.T) {
	primary := newFakeStore(false)
	fallback := newFakeStore(true)
	manager := New(primary, fallback, Config{
		ProbeTimeout:         time.Second,
		ProbeInitialInterval: time.Minute,
		ProbeMaxInterval:     time.Minute,
		HealthInterval:       time.Minute,
	}, zap.NewNop())
	defer manager.Close()

	require.Equal(t, cache.ModeDegraded, manager.Mode())
	assert.NoError(t, manager.Health(context.Background()))
}
