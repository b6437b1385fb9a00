// Package counter provides the key/value counter store with relational, cache and in-process backends.
package counter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukex/conductor/pkg/cache"
	"github.com/dukex/conductor/pkg/persistence"
)

// Store is a named integer counter backend.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (int64, error)
	MGet(ctx context.Context, keys ...string) (map[string]int64, error)
	Set(ctx context.Context, key string, value int64) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}

const (
	BackendRelational = "relational"
	BackendCache      = "cache"
	BackendMemory     = "memory"
)

// Resolve picks the strongest configured backend: relational, then cache,
// then in-process. Any external backend is wrapped so errors degrade to an
// in-process store instead of failing the caller.
func Resolve(
	logger *slog.Logger,
	relational persistence.Option[persistence.CounterRepository],
	shared persistence.Option[*cache.Client],
) Store {
	memory := NewMemoryStore()

	if repo, ok := relational.Get(); ok {
		return NewFallbackStore(logger, NewRelationalStore(repo), memory)
	}

	if client, ok := shared.Get(); ok {
		return NewFallbackStore(logger, NewCacheStore(client), memory)
	}

	return memory
}

// AdjustClamped increments key by delta and clamps the stored result at zero.
func AdjustClamped(ctx context.Context, store Store, key string, delta int64) (int64, error) {
	value, err := store.IncrBy(ctx, key, delta)
	if err != nil {
		return 0, err
	}

	if value < 0 {
		// Compensate instead of overwriting so concurrent increments survive.
		if _, err := store.IncrBy(ctx, key, -value); err != nil {
			return 0, err
		}

		return 0, nil
	}

	return value, nil
}

// MemoryStore keeps counters in a process-local map.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int64)}
}

func (m *MemoryStore) Name() string { return BackendMemory }

func (m *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.values[key], nil
}

func (m *MemoryStore) MGet(_ context.Context, keys ...string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	values := make(map[string]int64, len(keys))
	for _, key := range keys {
		if value, ok := m.values[key]; ok {
			values[key] = value
		}
	}

	return values, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value

	return nil
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] += delta

	return m.values[key], nil
}

// RelationalStore keeps counters in the relational store.
type RelationalStore struct {
	repo persistence.CounterRepository
}

// NewRelationalStore wraps a counter repository.
func NewRelationalStore(repo persistence.CounterRepository) *RelationalStore {
	return &RelationalStore{repo: repo}
}

func (r *RelationalStore) Name() string { return BackendRelational }

func (r *RelationalStore) Get(ctx context.Context, key string) (int64, error) {
	values, err := r.repo.GetCounters(ctx, []string{key})
	if err != nil {
		return 0, err
	}

	return values[key], nil
}

func (r *RelationalStore) MGet(ctx context.Context, keys ...string) (map[string]int64, error) {
	return r.repo.GetCounters(ctx, keys)
}

func (r *RelationalStore) Set(ctx context.Context, key string, value int64) error {
	return r.repo.SetCounter(ctx, key, value)
}

func (r *RelationalStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return r.repo.IncrementCounter(ctx, key, delta)
}

// CacheStore keeps counters in the shared cache.
type CacheStore struct {
	client *cache.Client
}

// NewCacheStore wraps a cache client.
func NewCacheStore(client *cache.Client) *CacheStore {
	return &CacheStore{client: client}
}

func (c *CacheStore) Name() string { return BackendCache }

func (c *CacheStore) Get(ctx context.Context, key string) (int64, error) {
	values, err := c.client.MGetInt(ctx, key)
	if err != nil {
		return 0, err
	}

	return values[key], nil
}

func (c *CacheStore) MGet(ctx context.Context, keys ...string) (map[string]int64, error) {
	return c.client.MGetInt(ctx, keys...)
}

func (c *CacheStore) Set(ctx context.Context, key string, value int64) error {
	return c.client.Set(ctx, key, value, 0)
}

func (c *CacheStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.client.IncrBy(ctx, key, delta)
}
