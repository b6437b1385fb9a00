package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// CounterRepository handles named counter database operations.
type CounterRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCounterRepository creates a new counter repository.
func NewCounterRepository(db *sql.DB, logger *slog.Logger) *CounterRepository {
	return &CounterRepository{db: db, logger: logger}
}

// GetCounters returns the stored values for keys. Missing keys are omitted.
func (cr *CounterRepository) GetCounters(ctx context.Context, keys []string) (map[string]int64, error) {
	values := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	rows, err := cr.db.QueryContext(ctx, `SELECT key, value FROM engine_counters WHERE key = ANY($1)`, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}

	defer closeRows(ctx, cr.logger, rows)

	for rows.Next() {
		var (
			key   string
			value int64
		)

		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}

		values[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counters: %w", err)
	}

	return values, nil
}

// SetCounter overwrites a counter value.
func (cr *CounterRepository) SetCounter(ctx context.Context, key string, value int64) error {
	_, err := cr.db.ExecContext(ctx, `
		INSERT INTO engine_counters (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set counter %s: %w", key, err)
	}

	return nil
}

// IncrementCounter atomically adds delta to a counter and returns the new value.
func (cr *CounterRepository) IncrementCounter(ctx context.Context, key string, delta int64) (int64, error) {
	var value int64

	err := cr.db.QueryRowContext(ctx, `
		INSERT INTO engine_counters (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = engine_counters.value + EXCLUDED.value, updated_at = NOW()
		RETURNING value`, key, delta).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}

	return value, nil
}
