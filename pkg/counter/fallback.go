package counter

import (
	"context"
	"log/slog"
)

// FallbackStore routes calls to primary and, when primary fails, serves the
// call from secondary and logs the degradation.
type FallbackStore struct {
	primary   Store
	secondary Store
	logger    *slog.Logger
}

// NewFallbackStore chains primary in front of secondary.
func NewFallbackStore(logger *slog.Logger, primary, secondary Store) *FallbackStore {
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With("module", "counter"),
	}
}

// Name reports the primary backend.
func (f *FallbackStore) Name() string { return f.primary.Name() }

func (f *FallbackStore) degrade(ctx context.Context, op, key string, err error) {
	f.logger.WarnContext(ctx, "counter backend unavailable, using fallback",
		"op", op,
		"key", key,
		"backend", f.primary.Name(),
		"fallback", f.secondary.Name(),
		"error", err,
	)
}

func (f *FallbackStore) Get(ctx context.Context, key string) (int64, error) {
	value, err := f.primary.Get(ctx, key)
	if err != nil {
		f.degrade(ctx, "get", key, err)

		return f.secondary.Get(ctx, key)
	}

	return value, nil
}

func (f *FallbackStore) MGet(ctx context.Context, keys ...string) (map[string]int64, error) {
	values, err := f.primary.MGet(ctx, keys...)
	if err != nil {
		f.degrade(ctx, "mget", "", err)

		return f.secondary.MGet(ctx, keys...)
	}

	return values, nil
}

func (f *FallbackStore) Set(ctx context.Context, key string, value int64) error {
	if err := f.primary.Set(ctx, key, value); err != nil {
		f.degrade(ctx, "set", key, err)

		return f.secondary.Set(ctx, key, value)
	}

	return nil
}

func (f *FallbackStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	value, err := f.primary.IncrBy(ctx, key, delta)
	if err != nil {
		f.degrade(ctx, "incrby", key, err)

		return f.secondary.IncrBy(ctx, key, delta)
	}

	return value, nil
}
