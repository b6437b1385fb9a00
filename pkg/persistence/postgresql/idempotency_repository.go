package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
)

// IdempotencyRepository handles idempotency record database operations.
type IdempotencyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewIdempotencyRepository creates a new idempotency repository.
func NewIdempotencyRepository(db *sql.DB, logger *slog.Logger) *IdempotencyRepository {
	return &IdempotencyRepository{db: db, logger: logger}
}

// GetIdempotencyRecord retrieves an unexpired record.
func (ir *IdempotencyRepository) GetIdempotencyRecord(
	ctx context.Context,
	executionID, nodeID, key string,
	now time.Time,
) (*models.IdempotencyRecord, error) {
	var (
		record     models.IdempotencyRecord
		resultData []byte
	)

	err := ir.db.QueryRowContext(ctx, `
		SELECT execution_id, node_id, idempotency_key, result_hash, result_data, expires_at, created_at
		FROM step_idempotency_records
		WHERE execution_id = $1 AND node_id = $2 AND idempotency_key = $3 AND expires_at > $4`,
		executionID, nodeID, key, now,
	).Scan(&record.ExecutionID, &record.NodeID, &record.IdempotencyKey, &record.ResultHash,
		&resultData, &record.ExpiresAt, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrIdempotencyRecordNotFound
		}

		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	record.ResultData = resultData

	return &record, nil
}

// UpsertIdempotencyRecord inserts or refreshes a record.
func (ir *IdempotencyRepository) UpsertIdempotencyRecord(ctx context.Context, record *models.IdempotencyRecord) error {
	var resultData any
	if len(record.ResultData) > 0 {
		resultData = []byte(record.ResultData)
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := ir.db.ExecContext(ctx, `
		INSERT INTO step_idempotency_records (execution_id, node_id, idempotency_key, result_hash, result_data, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id, node_id, idempotency_key) DO UPDATE SET
			result_hash = EXCLUDED.result_hash,
			result_data = EXCLUDED.result_data,
			expires_at = EXCLUDED.expires_at`,
		record.ExecutionID, record.NodeID, record.IdempotencyKey, record.ResultHash, resultData, record.ExpiresAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert idempotency record: %w", err)
	}

	return nil
}

// DeleteExpiredIdempotencyRecords removes records with expires_at <= now.
func (ir *IdempotencyRepository) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	result, err := ir.db.ExecContext(ctx, `DELETE FROM step_idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted idempotency records: %w", err)
	}

	return removed, nil
}

// CountActiveIdempotencyRecords counts records still valid at now.
func (ir *IdempotencyRepository) CountActiveIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	var count int64

	err := ir.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM step_idempotency_records WHERE expires_at > $1`, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count idempotency records: %w", err)
	}

	return count, nil
}
