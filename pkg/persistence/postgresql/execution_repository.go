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

const executionColumns = `id, workflow_id, organization_id, status, graph, connectors, max_attempts,
	input, error_message, metadata, created_at, started_at, completed_at`

// ExecutionRepository handles execution record database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// SaveExecution upserts an execution record.
func (er *ExecutionRepository) SaveExecution(ctx context.Context, execution *models.Execution) error {
	graphJSON, err := marshalJSON("graph", execution.Graph)
	if err != nil {
		return err
	}

	connectorsJSON, err := marshalJSON("connectors", execution.Connectors)
	if err != nil {
		return err
	}

	inputJSON, err := marshalJSON("input", execution.Input)
	if err != nil {
		return err
	}

	metadataJSON, err := marshalJSON("metadata", execution.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			graph = EXCLUDED.graph,
			connectors = EXCLUDED.connectors,
			max_attempts = EXCLUDED.max_attempts,
			input = EXCLUDED.input,
			error_message = EXCLUDED.error_message,
			metadata = EXCLUDED.metadata,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = er.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.OrganizationID,
		execution.Status,
		graphJSON,
		connectorsJSON,
		execution.MaxAttempts,
		inputJSON,
		execution.Error,
		metadataJSON,
		execution.CreatedAt,
		execution.StartedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	return nil
}

// GetExecution retrieves an execution by its ID.
func (er *ExecutionRepository) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := er.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrExecutionNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// ListExecutions retrieves executions matching filter, newest first.
func (er *ExecutionRepository) ListExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.OrganizationID != "" {
		args = append(args, filter.OrganizationID)
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", len(args)))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := er.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, er.logger, rows)

	var executions []*models.Execution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution                            models.Execution
		graphJSON, connectorsJSON, inputJSON []byte
		metadataJSON                         []byte
		maxAttempts                          sql.NullInt64
		errorMessage                         sql.NullString
		startedAt, completedAt               sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.OrganizationID,
		&execution.Status,
		&graphJSON,
		&connectorsJSON,
		&maxAttempts,
		&inputJSON,
		&errorMessage,
		&metadataJSON,
		&execution.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if maxAttempts.Valid {
		value := int(maxAttempts.Int64)
		execution.MaxAttempts = &value
	}

	execution.Error = errorMessage.String
	execution.StartedAt = nullTime(startedAt)
	execution.CompletedAt = nullTime(completedAt)

	if err := unmarshalJSON("graph", graphJSON, &execution.Graph); err != nil {
		return nil, err
	}

	if err := unmarshalJSON("connectors", connectorsJSON, &execution.Connectors); err != nil {
		return nil, err
	}

	if err := unmarshalJSON("input", inputJSON, &execution.Input); err != nil {
		return nil, err
	}

	if err := unmarshalJSON("metadata", metadataJSON, &execution.Metadata); err != nil {
		return nil, err
	}

	return &execution, nil
}
