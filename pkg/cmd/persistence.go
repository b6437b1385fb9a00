package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/persistence/memory"
	"github.com/dukex/conductor/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"memory", "postgres", "postgresql"}

// NewPersistence opens the relational store named by databaseURL. An empty
// URL or memory:// keeps everything in process.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch provider := parsePersistenceProvider(databaseURL); provider {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres persistence: %w", err)
		}

		return store, nil
	case "memory":
		logger.WarnContext(ctx, "using in-memory persistence, state is lost on restart")

		return memory.NewPersistence(), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider %q (supported: %s)",
			provider, strings.Join(supportedPersistenceProviders, ", "))
	}
}

func parsePersistenceProvider(databaseURL string) string {
	if databaseURL == "" {
		return "memory"
	}

	parts := strings.SplitN(databaseURL, "://", 2)
	if len(parts) < 2 {
		return databaseURL
	}

	return parts[0]
}

// relationalDB exposes the *sql.DB behind store for the advisory lock strategy.
func relationalDB(store persistence.Persistence) persistence.Option[*sql.DB] {
	if pg, ok := store.(*postgresql.Persistence); ok {
		return persistence.Some(pg.DB())
	}

	return persistence.None[*sql.DB]()
}
