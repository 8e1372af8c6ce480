// Package failover owns the lifecycle of the durable vector backend. It
// routes every store operation to the primary while connected and to the
// in-memory fallback while degraded, probing the primary in the background
// until it comes back.
package failover

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"semcache/cache"
)

// Config tunes the health probe schedule.
type Config struct {
	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration
	// ProbeInitialInterval is the first retry delay after degrading.
	ProbeInitialInterval time.Duration
	// ProbeMaxInterval caps the exponential backoff between probes.
	ProbeMaxInterval time.Duration
	// HealthInterval is the steady-state probe period while connected.
	HealthInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ProbeInitialInterval <= 0 {
		c.ProbeInitialInterval = time.Second
	}
	if c.ProbeMaxInterval <= 0 {
		c.ProbeMaxInterval = 60 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
}

// Manager implements cache.Store over a primary and a fallback backend.
type Manager struct {
	primary  cache.Store
	fallback cache.Store
	mode     *atomic.Int32
	cfg      Config
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
}

// New builds the manager, decides the initial mode with a startup probe and
// starts the background health loop. Call Close to stop probing.
func New(primary, fallback cache.Store, cfg Config, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		primary:  primary,
		fallback: fallback,
		mode:     atomic.NewInt32(int32(cache.ModeConnected)),
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}

	probeCtx, probeCancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	if err := primary.Health(probeCtx); err != nil {
		m.mode.Store(int32(cache.ModeDegraded))
		logger.Warn("vector store unavailable at startup, running degraded", zap.Error(err))
	}
	probeCancel()

	m.wg.Add(1)
	go m.probeLoop()
	return m
}

// Mode returns the current service mode from cached state; it never touches
// the network.
func (m *Manager) Mode() cache.ServiceMode {
	return cache.ServiceMode(m.mode.Load())
}

// Close stops the health probe loop.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// degrade flips to degraded mode. The CAS guarantees the transition event is
// emitted exactly once even when concurrent requests fail together.
func (m *Manager) degrade(err error) {
	if m.mode.CompareAndSwap(int32(cache.ModeConnected), int32(cache.ModeDegraded)) {
		m.logger.Warn("vector store degraded, switching to in-memory fallback", zap.Error(err))
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) probeLoop() {
	defer m.wg.Done()

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = m.cfg.ProbeInitialInterval
	schedule.MaxInterval = m.cfg.ProbeMaxInterval
	schedule.Multiplier = 2
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	timer := time.NewTimer(m.nextDelay(schedule))
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
			// Just degraded: restart the backoff schedule from the beginning.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			schedule.Reset()
			timer.Reset(m.nextDelay(schedule))
		case <-timer.C:
			m.probe(schedule)
			timer.Reset(m.nextDelay(schedule))
		}
	}
}

func (m *Manager) probe(schedule *backoff.ExponentialBackOff) {
	probeCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
	err := m.primary.Health(probeCtx)
	cancel()

	switch m.Mode() {
	case cache.ModeDegraded:
		if err == nil {
			m.mode.Store(int32(cache.ModeConnected))
			m.logger.Info("vector store reconnected")
			schedule.Reset()
		}
	default:
		if err != nil {
			m.degrade(err)
			schedule.Reset()
		} else {
			schedule.Reset()
		}
	}
}

// nextDelay picks the steady health interval while connected and the
// exponential backoff while degraded.
func (m *Manager) nextDelay(schedule *backoff.ExponentialBackOff) time.Duration {
	if m.Mode() == cache.ModeConnected {
		return m.cfg.HealthInterval
	}
	delay := schedule.NextBackOff()
	if delay == backoff.Stop {
		delay = m.cfg.ProbeMaxInterval
	}
	return delay
}

// do runs op against the primary while connected, degrading and retrying on
// the fallback when the primary fails. Caller cancellation is not treated as
// a backend failure.
func (m *Manager) do(ctx context.Context, op func(cache.Store) error) error {
	if m.Mode() == cache.ModeConnected {
		err := op(m.primary)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		m.degrade(err)
	}
	return op(m.fallback)
}

// Upsert implements cache.Store.
func (m *Manager) Upsert(ctx context.Context, entry cache.Entry, vector []float32) error {
	return m.do(ctx, func(s cache.Store) error {
		return s.Upsert(ctx, entry, vector)
	})
}

// Search implements cache.Store.
func (m *Manager) Search(ctx context.Context, vector []float32, model string, topK int) ([]cache.Match, error) {
	var matches []cache.Match
	err := m.do(ctx, func(s cache.Store) error {
		var opErr error
		matches, opErr = s.Search(ctx, vector, model, topK)
		return opErr
	})
	return matches, err
}

// Delete implements cache.Store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.do(ctx, func(s cache.Store) error {
		return s.Delete(ctx, id)
	})
}

// SetHitCount implements cache.Store.
func (m *Manager) SetHitCount(ctx context.Context, id string, hits int64) error {
	return m.do(ctx, func(s cache.Store) error {
		return s.SetHitCount(ctx, id, hits)
	})
}

// DeleteExpired implements cache.Store.
func (m *Manager) DeleteExpired(ctx context.Context, now int64) (int, error) {
	var count int
	err := m.do(ctx, func(s cache.Store) error {
		var opErr error
		count, opErr = s.DeleteExpired(ctx, now)
		return opErr
	})
	return count, err
}

// Health implements cache.Store for the currently active backend.
func (m *Manager) Health(ctx context.Context) error {
	if m.Mode() == cache.ModeDegraded {
		return m.fallback.Health(ctx)
	}
	return m.primary.Health(ctx)
}
