package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/conductor/pkg/cache"
	"github.com/dukex/conductor/pkg/persistence"
)

// NewCache connects to the shared cache when redisURL is set.
func NewCache(ctx context.Context, logger *slog.Logger, redisURL, prefix string) (persistence.Option[*cache.Client], error) {
	if redisURL == "" {
		return persistence.None[*cache.Client](), nil
	}

	client, err := cache.NewClient(ctx, logger, cache.Options{URL: redisURL, Prefix: prefix, MaxRetries: 3})
	if err != nil {
		return persistence.None[*cache.Client](), err
	}

	return persistence.Some(client), nil
}
