package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
)

// QuotaRepository handles organization quota database operations.
type QuotaRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewQuotaRepository creates a new quota repository.
func NewQuotaRepository(db *sql.DB, logger *slog.Logger) *QuotaRepository {
	return &QuotaRepository{db: db, logger: logger}
}

// LoadQuota retrieves the quota counters of an organization.
func (qr *QuotaRepository) LoadQuota(ctx context.Context, organizationID string) (*models.QuotaState, error) {
	state := &models.QuotaState{}

	err := qr.db.QueryRowContext(ctx, `
		SELECT running, window_start_ms, window_count
		FROM organization_quota_counters WHERE organization_id = $1`, organizationID,
	).Scan(&state.Running, &state.WindowStartMs, &state.WindowCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrQuotaNotFound, organizationID)
		}

		return nil, fmt.Errorf("failed to load quota state: %w", err)
	}

	return state, nil
}

// AdjustQuota applies signed deltas in a single statement, so concurrent
// callers never lose an increment.
func (qr *QuotaRepository) AdjustQuota(ctx context.Context, adjustment persistence.QuotaAdjustment) (*models.QuotaState, error) {
	state := &models.QuotaState{}

	err := qr.db.QueryRowContext(ctx, `
		INSERT INTO organization_quota_counters (organization_id, running, window_start_ms, window_count, updated_at)
		VALUES ($1, GREATEST(0, $2::BIGINT), $3, GREATEST(0, $4::BIGINT), NOW())
		ON CONFLICT (organization_id) DO UPDATE SET
			running = GREATEST(0, organization_quota_counters.running + $2::BIGINT),
			window_count = CASE
				WHEN $3::BIGINT - organization_quota_counters.window_start_ms >= $5::BIGINT THEN GREATEST(0, $4::BIGINT)
				ELSE GREATEST(0, organization_quota_counters.window_count + $4::BIGINT)
			END,
			window_start_ms = CASE
				WHEN $3::BIGINT - organization_quota_counters.window_start_ms >= $5::BIGINT THEN $3::BIGINT
				ELSE organization_quota_counters.window_start_ms
			END,
			updated_at = NOW()
		RETURNING running, window_start_ms, window_count`,
		adjustment.OrganizationID, adjustment.RunningDelta, adjustment.WindowStartMs, adjustment.WindowDelta,
		models.QuotaWindow.Milliseconds(),
	).Scan(&state.Running, &state.WindowStartMs, &state.WindowCount)
	if err != nil {
		return nil, fmt.Errorf("failed to adjust quota state: %w", err)
	}

	return state, nil
}

// SaveUsageSnapshot upserts the reporting mirror for an organization.
func (qr *QuotaRepository) SaveUsageSnapshot(ctx context.Context, snapshot *models.UsageSnapshot) error {
	_, err := qr.db.ExecContext(ctx, `
		INSERT INTO organization_usage_snapshots (organization_id, running, window_start_ms, window_count, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id) DO UPDATE SET
			running = EXCLUDED.running,
			window_start_ms = EXCLUDED.window_start_ms,
			window_count = EXCLUDED.window_count,
			updated_at = EXCLUDED.updated_at`,
		snapshot.OrganizationID, snapshot.Running, snapshot.WindowStartMs, snapshot.WindowCount, snapshot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save usage snapshot: %w", err)
	}

	return nil
}

// RecordQuotaAudit appends a rejection to the audit log.
func (qr *QuotaRepository) RecordQuotaAudit(ctx context.Context, entry *models.QuotaAuditEntry) error {
	detailsJSON, err := marshalJSON("details", entry.Details)
	if err != nil {
		return err
	}

	_, err = qr.db.ExecContext(ctx, `
		INSERT INTO execution_quota_audit (id, organization_id, execution_id, reason, limit_value, current_value, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.OrganizationID, entry.ExecutionID, entry.Reason, entry.Limit, entry.Current, detailsJSON, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record quota audit: %w", err)
	}

	return nil
}

// ListQuotaAudit returns the newest audit entries of an organization.
func (qr *QuotaRepository) ListQuotaAudit(ctx context.Context, organizationID string, limit int) ([]*models.QuotaAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := qr.db.QueryContext(ctx, `
		SELECT id, organization_id, COALESCE(execution_id, ''), reason, limit_value, current_value, details, created_at
		FROM execution_quota_audit
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query quota audit: %w", err)
	}

	defer closeRows(ctx, qr.logger, rows)

	var entries []*models.QuotaAuditEntry

	for rows.Next() {
		var (
			entry       models.QuotaAuditEntry
			detailsJSON []byte
		)

		err := rows.Scan(&entry.ID, &entry.OrganizationID, &entry.ExecutionID, &entry.Reason,
			&entry.Limit, &entry.Current, &detailsJSON, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quota audit: %w", err)
		}

		if err := unmarshalJSON("details", detailsJSON, &entry.Details); err != nil {
			return nil, err
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quota audit: %w", err)
	}

	return entries, nil
}
