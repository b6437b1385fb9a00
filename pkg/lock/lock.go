// Package lock provides named, TTL-bounded mutual-exclusion locks with an ordered
// fallback chain: relational advisory lock, shared cache, in-process.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/conductor/pkg/cache"
	"github.com/dukex/conductor/pkg/metrics"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// Mode names a lock backend.
type Mode string

const (
	ModePostgres Mode = "postgres"
	ModeRedis    Mode = "redis"
	ModeMemory   Mode = "memory"
)

// DefaultTTL bounds locks acquired without an explicit TTL.
const DefaultTTL = 30 * time.Second

// Strategy is one lock backend.
type Strategy interface {
	Mode() Mode
	// TryAcquire is non-blocking. It returns a grant when the lock was
	// granted, nil when another holder owns it.
	TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Grant, error)
}

// ReleaseFunc releases a granted lock.
type ReleaseFunc func(ctx context.Context) error

// ExtendFunc moves the expiry of a granted lock to ttl from now.
type ExtendFunc func(ctx context.Context, ttl time.Duration) error

// Grant is what a Strategy hands out for a held lock. Extend is nil for
// backends whose grants never expire on their own.
type Grant struct {
	Release ReleaseFunc
	Extend  ExtendFunc
}

// ErrLockLost is returned by Extend when the grant expired or was taken over.
var ErrLockLost = errors.New("lock lost")

// Handle is a held lock grant.
type Handle struct {
	Resource string
	Mode     Mode

	grant  *Grant
	timer  clockwork.Timer
	once   sync.Once
	done   atomic.Bool
	logger *slog.Logger
}

// Release gives the lock back. Failures are logged, never returned, and
// calling Release more than once is a no-op.
func (h *Handle) Release(ctx context.Context) {
	if h == nil {
		return
	}

	h.once.Do(func() {
		h.done.Store(true)

		if h.timer != nil {
			h.timer.Stop()
		}

		if err := h.grant.Release(ctx); err != nil {
			h.logger.WarnContext(ctx, "failed to release lock", "resource", h.Resource, "mode", h.Mode, "error", err)
		}
	})
}

// Extend keeps the lock for ttl from now. It fails with ErrLockLost once the
// handle was released, timed out or lost its grant.
func (h *Handle) Extend(ctx context.Context, ttl time.Duration) error {
	if h == nil || h.done.Load() {
		return ErrLockLost
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if h.grant.Extend != nil {
		if err := h.grant.Extend(ctx, ttl); err != nil {
			return err
		}
	}

	if h.timer != nil {
		h.timer.Reset(ttl)
	}

	return nil
}

// Options configure a Service.
type Options struct {
	// Override forces a strategy; empty means resolve from what is configured.
	Override Mode
	DB       persistence.Option[*sql.DB]
	Cache    persistence.Option[*cache.Client]
	// QueueDriver is the execution queue driver; the cache strategy is only
	// chosen when the queue itself is not in-process.
	QueueDriver string
	Clock       clockwork.Clock
	Metrics     metrics.Sink
}

// ResolveMode applies the selection order: explicit override, relational store
// if configured, shared cache if the queue driver is not in-memory, in-process.
func ResolveMode(opts Options) Mode {
	switch opts.Override {
	case ModePostgres:
		if opts.DB.IsSome() {
			return ModePostgres
		}
	case ModeRedis:
		if opts.Cache.IsSome() {
			return ModeRedis
		}
	case ModeMemory:
		return ModeMemory
	}

	if opts.DB.IsSome() {
		return ModePostgres
	}

	if opts.Cache.IsSome() && opts.QueueDriver != "" && opts.QueueDriver != "memory" && opts.QueueDriver != "gochannel" {
		return ModeRedis
	}

	return ModeMemory
}

// Service acquires locks through the resolved strategy, degrading to the
// in-process strategy when the backend errors.
type Service struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	metrics  metrics.Sink
	primary  Strategy
	memory   *MemoryStrategy
	fallback atomic.Int64

	dbConfigured    bool
	cacheConfigured bool
	dbAvailable     atomic.Bool
	cacheAvailable  atomic.Bool
}

// NewService builds a lock service for the resolved strategy.
func NewService(logger *slog.Logger, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopSink()
	}

	logger = logger.With("module", "lock")

	service := &Service{
		logger:          logger,
		clock:           opts.Clock,
		metrics:         opts.Metrics,
		memory:          NewMemoryStrategy(opts.Clock),
		dbConfigured:    opts.DB.IsSome(),
		cacheConfigured: opts.Cache.IsSome(),
	}

	service.dbAvailable.Store(opts.DB.IsSome())
	service.cacheAvailable.Store(opts.Cache.IsSome())

	switch mode := ResolveMode(opts); mode {
	case ModePostgres:
		db, _ := opts.DB.Get()
		service.primary = NewPostgresStrategy(db)
	case ModeRedis:
		client, _ := opts.Cache.Get()
		service.primary = NewRedisStrategy(client)
	default:
		service.primary = service.memory
	}

	logger.Info("lock service configured", "strategy", service.primary.Mode())

	return service
}

// NewServiceWithStrategy builds a service around an explicit strategy.
func NewServiceWithStrategy(logger *slog.Logger, strategy Strategy, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	memory, ok := strategy.(*MemoryStrategy)
	if !ok {
		memory = NewMemoryStrategy(clock)
	}

	return &Service{
		logger:  logger.With("module", "lock"),
		clock:   clock,
		metrics: metrics.NewNoopSink(),
		primary: strategy,
		memory:  memory,
	}
}

// Mode reports the active strategy.
func (s *Service) Mode() Mode {
	return s.primary.Mode()
}

// AcquireLock tries to take resource for ttl. It returns nil when another
// holder owns the lock. Backend errors degrade to the in-process strategy for
// this call instead of failing the caller.
func (s *Service) AcquireLock(ctx context.Context, resource string, ttl time.Duration) *Handle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	strategy := s.primary

	grant, err := strategy.TryAcquire(ctx, resource, ttl)
	s.markAvailability(strategy.Mode(), err == nil)

	if err != nil {
		s.logger.WarnContext(ctx, "lock backend unavailable, using in-process fallback",
			"resource", resource,
			"mode", strategy.Mode(),
			"error", err,
		)
		s.fallback.Add(1)
		s.metrics.LockFallback(string(strategy.Mode()))

		strategy = s.memory

		grant, err = strategy.TryAcquire(ctx, resource, ttl)
		if err != nil {
			s.logger.ErrorContext(ctx, "in-process lock failed", "resource", resource, "error", err)

			return nil
		}
	}

	s.metrics.LockAcquire(string(strategy.Mode()), grant != nil)

	if grant == nil {
		return nil
	}

	handle := &Handle{
		Resource: resource,
		Mode:     strategy.Mode(),
		grant:    grant,
		logger:   s.logger,
	}

	// The in-process strategy expires its own entries; external grants are
	// released by the handle once the TTL elapses.
	if strategy.Mode() != ModeMemory {
		handle.timer = s.clock.AfterFunc(ttl, func() {
			handle.Release(context.Background())
		})
	}

	return handle
}

func (s *Service) markAvailability(mode Mode, ok bool) {
	switch mode {
	case ModePostgres:
		s.dbAvailable.Store(ok)
	case ModeRedis:
		s.cacheAvailable.Store(ok)
	case ModeMemory:
	}
}

// Snapshot is the lock service telemetry.
type Snapshot struct {
	Strategy            Mode       `json:"strategy"`
	RelationalAvailable bool       `json:"relational_available"`
	CacheAvailable      bool       `json:"cache_available"`
	Fallbacks           int64      `json:"fallbacks"`
	HeldLocks           []HeldLock `json:"held_locks"`
}

// Snapshot reports the active strategy, backend availability and the locks
// currently held in-process.
func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Strategy:            s.primary.Mode(),
		RelationalAvailable: s.dbConfigured && s.dbAvailable.Load(),
		CacheAvailable:      s.cacheConfigured && s.cacheAvailable.Load(),
		Fallbacks:           s.fallback.Load(),
		HeldLocks:           s.memory.Held(),
	}
}
