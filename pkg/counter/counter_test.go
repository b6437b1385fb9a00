package counter_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dukex/conductor/pkg/cache"
	"github.com/dukex/conductor/pkg/counter"
	"github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/persistence/memory"
	"github.com/dukex/conductor/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

var errUnavailable = errors.New("backend unavailable")

func (failingStore) Name() string { return "failing" }

func (failingStore) Get(context.Context, string) (int64, error) { return 0, errUnavailable }

func (failingStore) MGet(context.Context, ...string) (map[string]int64, error) {
	return nil, errUnavailable
}

func (failingStore) Set(context.Context, string, int64) error { return errUnavailable }

func (failingStore) IncrBy(context.Context, string, int64) (int64, error) { return 0, errUnavailable }

func exerciseStore(t *testing.T, store counter.Store) {
	t.Helper()

	ctx := context.Background()
	prefix := uuid.NewString() + ":"

	value, err := store.IncrBy(ctx, prefix+"a", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)

	value, err = store.IncrBy(ctx, prefix+"a", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	require.NoError(t, store.Set(ctx, prefix+"b", 5))

	got, err := store.Get(ctx, prefix+"b")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	missing, err := store.Get(ctx, prefix+"missing")
	require.NoError(t, err)
	assert.Zero(t, missing)

	values, err := store.MGet(ctx, prefix+"a", prefix+"b", prefix+"missing")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{prefix + "a": 1, prefix + "b": 5}, values)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, counter.NewMemoryStore())
}

func TestRelationalStore(t *testing.T) {
	exerciseStore(t, counter.NewRelationalStore(memory.NewPersistence().Counters()))
}

func TestCacheStore(t *testing.T) {
	client, err := cache.NewClient(context.Background(), log.Discard(), cache.Options{URL: testutil.RedisURL(t)})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	exerciseStore(t, counter.NewCacheStore(client))
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	store := counter.NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _ = store.IncrBy(ctx, "k", 1)
		}()
	}

	wg.Wait()

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(100), value)
}

func TestResolve(t *testing.T) {
	logger := log.Discard()

	store := counter.Resolve(logger,
		persistence.Some[persistence.CounterRepository](memory.NewPersistence()),
		persistence.None[*cache.Client]())
	assert.Equal(t, counter.BackendRelational, store.Name())

	store = counter.Resolve(logger,
		persistence.None[persistence.CounterRepository](),
		persistence.Some(&cache.Client{}))
	assert.Equal(t, counter.BackendCache, store.Name())

	store = counter.Resolve(logger,
		persistence.None[persistence.CounterRepository](),
		persistence.None[*cache.Client]())
	assert.Equal(t, counter.BackendMemory, store.Name())
}

func TestFallbackStore_DegradesToSecondary(t *testing.T) {
	ctx := context.Background()
	secondary := counter.NewMemoryStore()
	store := counter.NewFallbackStore(log.Discard(), failingStore{}, secondary)

	value, err := store.IncrBy(ctx, "k", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)

	require.NoError(t, store.Set(ctx, "j", 1))

	values, err := store.MGet(ctx, "k", "j")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"k": 3, "j": 1}, values)

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
	assert.Equal(t, "failing", store.Name())
}

func TestAdjustClamped(t *testing.T) {
	ctx := context.Background()
	store := counter.NewMemoryStore()

	value, err := counter.AdjustClamped(ctx, store, "k", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = counter.AdjustClamped(ctx, store, "k", -1)
	require.NoError(t, err)
	assert.Zero(t, value)

	value, err = counter.AdjustClamped(ctx, store, "k", -1)
	require.NoError(t, err)
	assert.Zero(t, value)

	stored, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, stored)
}
