package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
)

const deadLetterColumns = `id, execution_id, step_id, node_id, organization_id, error_message,
	attempts, payload, auto_replay, created_at, replayed_at`

// DeadLetterRepository handles dead-letter database operations.
type DeadLetterRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDeadLetterRepository creates a new dead-letter repository.
func NewDeadLetterRepository(db *sql.DB, logger *slog.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{db: db, logger: logger}
}

// SaveDeadLetter upserts a dead-letter item.
func (dr *DeadLetterRepository) SaveDeadLetter(ctx context.Context, item *models.DeadLetter) error {
	var payload any
	if len(item.Payload) > 0 {
		payload = []byte(item.Payload)
	}

	_, err := dr.db.ExecContext(ctx, `
		INSERT INTO step_dead_letters (`+deadLetterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			error_message = EXCLUDED.error_message,
			attempts = EXCLUDED.attempts,
			payload = EXCLUDED.payload,
			auto_replay = EXCLUDED.auto_replay,
			replayed_at = EXCLUDED.replayed_at`,
		item.ID, item.ExecutionID, item.StepID, item.NodeID, item.OrganizationID, item.Error,
		item.Attempts, payload, item.AutoReplay, item.CreatedAt, item.ReplayedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}

	return nil
}

// GetDeadLetter retrieves a dead-letter item by its ID.
func (dr *DeadLetterRepository) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	row := dr.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM step_dead_letters WHERE id = $1`, id)

	item, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrDeadLetterNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan dead letter: %w", err)
	}

	return item, nil
}

// ListDeadLetters retrieves dead-letter items matching filter, oldest first.
func (dr *DeadLetterRepository) ListDeadLetters(ctx context.Context, filter persistence.DeadLetterFilter) ([]*models.DeadLetter, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.OrganizationID != "" {
		args = append(args, filter.OrganizationID)
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", len(args)))
	}

	if filter.ExecutionID != "" {
		args = append(args, filter.ExecutionID)
		conditions = append(conditions, fmt.Sprintf("execution_id = $%d", len(args)))
	}

	if filter.AutoReplayOnly {
		conditions = append(conditions, "auto_replay = true")
	}

	query := `SELECT ` + deadLetterColumns + ` FROM step_dead_letters`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := dr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}

	defer closeRows(ctx, dr.logger, rows)

	var items []*models.DeadLetter

	for rows.Next() {
		item, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return items, nil
}

// DeleteDeadLetter removes a dead-letter item.
func (dr *DeadLetterRepository) DeleteDeadLetter(ctx context.Context, id string) error {
	result, err := dr.db.ExecContext(ctx, `DELETE FROM step_dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrDeadLetterNotFound, id)
	}

	return nil
}

func scanDeadLetter(row scanner) (*models.DeadLetter, error) {
	var (
		item       models.DeadLetter
		payload    []byte
		replayedAt sql.NullTime
	)

	err := row.Scan(&item.ID, &item.ExecutionID, &item.StepID, &item.NodeID, &item.OrganizationID,
		&item.Error, &item.Attempts, &payload, &item.AutoReplay, &item.CreatedAt, &replayedAt)
	if err != nil {
		return nil, err
	}

	item.Payload = payload
	item.ReplayedAt = nullTime(replayedAt)

	return &item, nil
}
