package profile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anomalyze/anomalyze/internal/metrics"
)

var (
	// ErrCacheMiss is returned by Cache implementations when an identity is
	// not present in the fast tier.
	ErrCacheMiss = errors.New("profile: cache miss")

	// ErrNotFound is returned by Durable implementations when an identity
	// has never been persisted.
	ErrNotFound = errors.New("profile: not found")
)

// Cache is the fast external tier (Redis in production).
type Cache interface {
	GetProfile(ctx context.Context, identity string) (*BehaviorProfile, error)
	SetProfile(ctx context.Context, p *BehaviorProfile, ttl time.Duration) error
	DeleteProfile(ctx context.Context, identity string) error
}

// Durable is the persistent tier (PostgreSQL via gorm in production).
type Durable interface {
	Load(ctx context.Context, identity string) (*BehaviorProfile, error)
	Persist(ctx context.Context, p *BehaviorProfile) error
	Delete(ctx context.Context, identity string) error
	Close() error
}

// StoreConfig tunes cache TTLs, flush cadence and per-call timeouts.
type StoreConfig struct {
	CacheTTL      time.Duration
	FlushInterval time.Duration
	OpTimeout     time.Duration
}

// DefaultStoreConfig returns the production defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		CacheTTL:      time.Hour,
		FlushInterval: 60 * time.Second,
		OpTimeout:     2 * time.Second,
	}
}

// Store is the tiered cache/persistence layer for behavior profiles:
// process-local map, TTL-bounded fast cache, durable store. Durable writes
// are deferred through a last-write-wins buffer drained by a background
// worker; Close drains the buffer before releasing the durable connection.
type Store struct {
	cache   Cache
	durable Durable
	cfg     StoreConfig
	logger  *zap.Logger

	localMu sync.RWMutex
	local   map[string]*BehaviorProfile

	bufMu  sync.Mutex
	buffer map[string]*BehaviorProfile

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewStore wires the tiers together and starts the flush worker. Either
// tier may be nil, in which case the store degrades to the remaining tiers.
func NewStore(cache Cache, durable Durable, cfg StoreConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	s := &Store{
		cache:   cache,
		durable: durable,
		cfg:     cfg,
		logger:  logger,
		local:   make(map[string]*BehaviorProfile),
		buffer:  make(map[string]*BehaviorProfile),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Get resolves a profile through the tiers, repopulating faster tiers on the
// way back, and synthesizes a fresh default profile on a full miss. Tier
// failures degrade to the next tier rather than failing the call.
func (s *Store) Get(ctx context.Context, identity string) *BehaviorProfile {
	s.localMu.RLock()
	p, ok := s.local[identity]
	s.localMu.RUnlock()
	if ok {
		metrics.ProfileTierHits.WithLabelValues("local").Inc()
		return p
	}

	if s.cache != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		cached, err := s.cache.GetProfile(opCtx, identity)
		cancel()
		switch {
		case err == nil:
			metrics.ProfileTierHits.WithLabelValues("cache").Inc()
			// Refresh the TTL on every hit so active identities stay warm.
			s.setCache(ctx, cached)
			s.setLocal(cached)
			return cached
		case !errors.Is(err, ErrCacheMiss):
			s.logger.Warn("profile cache read failed",
				zap.String("identity", identity), zap.Error(err))
		}
	}

	if s.durable != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		stored, err := s.durable.Load(opCtx, identity)
		cancel()
		switch {
		case err == nil:
			metrics.ProfileTierHits.WithLabelValues("durable").Inc()
			s.setCache(ctx, stored)
			s.setLocal(stored)
			return stored
		case !errors.Is(err, ErrNotFound):
			s.logger.Warn("profile durable read failed",
				zap.String("identity", identity), zap.Error(err))
		}
	}

	metrics.ProfileTierHits.WithLabelValues("default").Inc()
	p = NewDefault(identity)
	s.setLocal(p)
	return p
}

// Save updates the local and fast tiers synchronously and, when a durable
// tier exists, queues the profile for deferred persistence, overwriting any
// previously buffered state for the same identity.
func (s *Store) Save(ctx context.Context, p *BehaviorProfile) {
	snapshot := p.Clone()
	s.setLocal(p)
	s.setCache(ctx, snapshot)

	if s.durable == nil {
		return
	}
	s.bufMu.Lock()
	s.buffer[p.Identity] = snapshot
	s.bufMu.Unlock()
}

// FlushIdentity persists one identity's latest buffered state synchronously,
// bypassing the flush interval. Used when a profile crosses a significant
// threshold.
func (s *Store) FlushIdentity(ctx context.Context, identity string) error {
	if s.durable == nil {
		return nil
	}
	s.bufMu.Lock()
	p, ok := s.buffer[identity]
	if ok {
		delete(s.buffer, identity)
	}
	s.bufMu.Unlock()
	if !ok {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	if err := s.durable.Persist(opCtx, p); err != nil {
		// Put the state back so the periodic flush retries it, unless a
		// newer write already superseded it.
		s.bufMu.Lock()
		if _, exists := s.buffer[identity]; !exists {
			s.buffer[identity] = p
		}
		s.bufMu.Unlock()
		return err
	}
	return nil
}

// Reset drops an identity from every tier and the write buffer. Operator
// action; the next lookup synthesizes a fresh default profile.
func (s *Store) Reset(ctx context.Context, identity string) error {
	s.localMu.Lock()
	delete(s.local, identity)
	s.localMu.Unlock()

	s.bufMu.Lock()
	delete(s.buffer, identity)
	s.bufMu.Unlock()

	var firstErr error
	if s.cache != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		if err := s.cache.DeleteProfile(opCtx, identity); err != nil {
			firstErr = err
		}
		cancel()
	}
	if s.durable != nil {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		if err := s.durable.Delete(opCtx, identity); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}

// BufferedCount reports how many identities await durable persistence.
func (s *Store) BufferedCount() int {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return len(s.buffer)
}

// Close stops the flush worker, drains the buffer completely, then releases
// the durable connection. Ordered teardown: nothing buffered is abandoned.
func (s *Store) Close(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done

	s.flush(ctx)

	if s.durable != nil {
		return s.durable.Close()
	}
	return nil
}

func (s *Store) setLocal(p *BehaviorProfile) {
	s.localMu.Lock()
	s.local[p.Identity] = p
	s.localMu.Unlock()
}

func (s *Store) setCache(ctx context.Context, p *BehaviorProfile) {
	if s.cache == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	if err := s.cache.SetProfile(opCtx, p, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("profile cache write failed",
			zap.String("identity", p.Identity), zap.Error(err))
	}
}

func (s *Store) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush(context.Background())
		case <-s.stop:
			return
		}
	}
}

// flush drains the buffer exactly once per cycle: the map is swapped out
// under the lock so writes landing mid-flush go into a fresh buffer.
func (s *Store) flush(ctx context.Context) {
	if s.durable == nil {
		return
	}
	s.bufMu.Lock()
	if len(s.buffer) == 0 {
		s.bufMu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = make(map[string]*BehaviorProfile)
	s.bufMu.Unlock()

	for identity, p := range batch {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		err := s.durable.Persist(opCtx, p)
		cancel()
		if err != nil {
			// Eventual consistency: the update is dropped from this cycle.
			s.logger.Error("profile persist failed",
				zap.String("identity", identity), zap.Error(err))
			continue
		}
	}
	metrics.ProfileFlushBatches.Inc()
	metrics.ProfileFlushedTotal.Add(float64(len(batch)))
}
