package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"time"
)

// PostgresStrategy grants session-level advisory locks. Each grant pins a
// dedicated connection for its lifetime, since advisory locks belong to the
// session that took them. Grants never expire server-side; the handle's
// timer bounds them.
type PostgresStrategy struct {
	db *sql.DB
}

// NewPostgresStrategy creates an advisory lock strategy on db.
func NewPostgresStrategy(db *sql.DB) *PostgresStrategy {
	return &PostgresStrategy{db: db}
}

func (p *PostgresStrategy) Mode() Mode { return ModePostgres }

// AdvisoryKey maps a resource name onto the advisory lock key space.
func AdvisoryKey(resource string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(resource))

	return int64(h.Sum64()) //nolint:gosec // wrap-around is the intended mapping
}

func (p *PostgresStrategy) TryAcquire(ctx context.Context, resource string, _ time.Duration) (*Grant, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}

	key := AdvisoryKey(resource)

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to try advisory lock %q: %w", resource, err)
	}

	if !acquired {
		_ = conn.Close()

		return nil, nil
	}

	return &Grant{Release: func(ctx context.Context) error {
		var released bool

		err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released)
		if err != nil {
			// Returning ErrBadConn drops the session instead of pooling it,
			// and a dropped session releases its advisory locks.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			_ = conn.Close()

			return fmt.Errorf("failed to release advisory lock %q: %w", resource, err)
		}

		if closeErr := conn.Close(); closeErr != nil {
			return fmt.Errorf("failed to return advisory lock connection: %w", closeErr)
		}

		if !released {
			return fmt.Errorf("advisory lock %q was not held at release", resource)
		}

		return nil
	}}, nil
}
