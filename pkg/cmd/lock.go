package cmd

import (
	"log/slog"

	"github.com/dukex/conductor/pkg/cache"
	"github.com/dukex/conductor/pkg/config"
	"github.com/dukex/conductor/pkg/lock"
	"github.com/dukex/conductor/pkg/metrics"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// NewLockService resolves the lock strategy from what is configured, honoring
// an explicit --lock-strategy.
func NewLockService(
	logger *slog.Logger,
	cfg config.Engine,
	store persistence.Persistence,
	shared persistence.Option[*cache.Client],
	clock clockwork.Clock,
	sink metrics.Sink,
) *lock.Service {
	return lock.NewService(logger, lock.Options{
		Override:    lock.Mode(cfg.LockStrategy),
		DB:          relationalDB(store),
		Cache:       shared,
		QueueDriver: cfg.EventBus,
		Clock:       clock,
		Metrics:     sink,
	})
}
