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

const stepColumns = `id, execution_id, workflow_id, organization_id, node_id, status, attempts,
	max_attempts, queued_at, started_at, completed_at, input, output, error,
	deterministic_keys, resume_state, wait_until, metadata, logs, diagnostics,
	created_at, updated_at`

// StepRepository handles execution step database operations.
type StepRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStepRepository creates a new step repository.
func NewStepRepository(db *sql.DB, logger *slog.Logger) *StepRepository {
	return &StepRepository{db: db, logger: logger}
}

// CreateSteps inserts the steps and their dependency edges in one transaction.
func (sr *StepRepository) CreateSteps(
	ctx context.Context,
	steps []*models.ExecutionStep,
	deps []*models.ExecutionStepDependency,
) error {
	if len(steps) == 0 {
		return nil
	}

	executionID := steps[0].ExecutionID

	transaction, err := sr.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = transaction.Rollback()
	}()

	insertStep := `INSERT INTO workflow_execution_steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	for _, step := range steps {
		args, err := stepArgs(step)
		if err != nil {
			return persistence.NewStepError("CreateSteps", step.ID, err)
		}

		if _, err := transaction.ExecContext(ctx, insertStep, args...); err != nil {
			if isUniqueViolation(err) {
				return persistence.NewStepError("CreateSteps", step.ID, persistence.ErrDuplicateStep)
			}

			return persistence.NewStepError("CreateSteps", step.ID, err)
		}
	}

	insertDep := `INSERT INTO workflow_execution_step_dependencies (execution_id, step_id, depends_on_step_id)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`

	for _, dep := range deps {
		if _, err := transaction.ExecContext(ctx, insertDep, dep.ExecutionID, dep.StepID, dep.DependsOnStepID); err != nil {
			return persistence.NewExecutionStepsError("CreateSteps", executionID, err)
		}
	}

	if err := transaction.Commit(); err != nil {
		return persistence.NewExecutionStepsError("CreateSteps", executionID, err)
	}

	return nil
}

// GetStep retrieves a step by its ID.
func (sr *StepRepository) GetStep(ctx context.Context, id string) (*models.ExecutionStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_execution_steps WHERE id = $1`

	step, err := scanStep(sr.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStepError("GetStep", id, persistence.ErrStepNotFound)
		}

		return nil, persistence.NewStepError("GetStep", id, err)
	}

	return step, nil
}

// ListSteps retrieves all steps of an execution ordered by creation.
func (sr *StepRepository) ListSteps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_execution_steps
		WHERE execution_id = $1 ORDER BY created_at, id`

	return sr.querySteps(ctx, "ListSteps", executionID, query, executionID)
}

// ListWaitingExpired retrieves waiting steps whose wait_until is at or before now.
func (sr *StepRepository) ListWaitingExpired(ctx context.Context, now time.Time, limit int) ([]*models.ExecutionStep, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + stepColumns + ` FROM workflow_execution_steps
		WHERE status = 'waiting' AND wait_until IS NOT NULL AND wait_until <= $1
		ORDER BY wait_until LIMIT $2`

	return sr.querySteps(ctx, "ListWaitingExpired", "", query, now, limit)
}

func (sr *StepRepository) querySteps(ctx context.Context, op, executionID, query string, args ...any) ([]*models.ExecutionStep, error) {
	rows, err := sr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewExecutionStepsError(op, executionID, err)
	}

	defer closeRows(ctx, sr.logger, rows)

	var steps []*models.ExecutionStep

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, persistence.NewExecutionStepsError(op, executionID, err)
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewExecutionStepsError(op, executionID, err)
	}

	return steps, nil
}

// ListDependencies retrieves every dependency edge of an execution.
func (sr *StepRepository) ListDependencies(ctx context.Context, executionID string) ([]*models.ExecutionStepDependency, error) {
	rows, err := sr.db.QueryContext(ctx, `
		SELECT execution_id, step_id, depends_on_step_id
		FROM workflow_execution_step_dependencies
		WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, persistence.NewExecutionStepsError("ListDependencies", executionID, err)
	}

	defer closeRows(ctx, sr.logger, rows)

	var deps []*models.ExecutionStepDependency

	for rows.Next() {
		dep := &models.ExecutionStepDependency{}
		if err := rows.Scan(&dep.ExecutionID, &dep.StepID, &dep.DependsOnStepID); err != nil {
			return nil, persistence.NewExecutionStepsError("ListDependencies", executionID, err)
		}

		deps = append(deps, dep)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewExecutionStepsError("ListDependencies", executionID, err)
	}

	return deps, nil
}

// UpdateStep writes every mutable column, guarded by the expected current status.
func (sr *StepRepository) UpdateStep(ctx context.Context, step *models.ExecutionStep, expected models.StepStatus) error {
	inputJSON, outputJSON, errorJSON, keysJSON, resumeJSON, metadataJSON, logsJSON, diagnosticsJSON, err := stepPayloads(step)
	if err != nil {
		return persistence.NewStepError("UpdateStep", step.ID, err)
	}

	result, err := sr.db.ExecContext(ctx, `
		UPDATE workflow_execution_steps SET
			status = $2, attempts = $3, max_attempts = $4, queued_at = $5, started_at = $6,
			completed_at = $7, input = $8, output = $9, error = $10, deterministic_keys = $11,
			resume_state = $12, wait_until = $13, metadata = $14, logs = $15, diagnostics = $16,
			updated_at = $17
		WHERE id = $1 AND status = $18`,
		step.ID, step.Status, step.Attempts, step.MaxAttempts, step.QueuedAt, step.StartedAt,
		step.CompletedAt, inputJSON, outputJSON, errorJSON, keysJSON,
		resumeJSON, step.WaitUntil, metadataJSON, logsJSON, diagnosticsJSON,
		step.UpdatedAt, expected,
	)
	if err != nil {
		return persistence.NewStepError("UpdateStep", step.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStepError("UpdateStep", step.ID, err)
	}

	if affected == 0 {
		var exists bool

		err := sr.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM workflow_execution_steps WHERE id = $1)", step.ID).Scan(&exists)
		if err != nil {
			return persistence.NewStepError("UpdateStep", step.ID, err)
		}

		if !exists {
			return persistence.NewStepError("UpdateStep", step.ID, persistence.ErrStepNotFound)
		}

		return persistence.NewStepError("UpdateStep", step.ID, persistence.ErrStepConflict)
	}

	return nil
}

func stepPayloads(step *models.ExecutionStep) (input, output, errPayload, keys, resume, metadata, logs, diagnostics []byte, err error) {
	if input, err = marshalJSON("input", step.Input); err != nil {
		return
	}

	if output, err = marshalJSON("output", step.Output); err != nil {
		return
	}

	if errPayload, err = marshalJSON("error", step.Error); err != nil {
		return
	}

	if keys, err = marshalJSON("deterministic keys", step.DeterministicKeys); err != nil {
		return
	}

	if resume, err = marshalJSON("resume state", step.ResumeState); err != nil {
		return
	}

	if metadata, err = marshalJSON("metadata", step.Metadata); err != nil {
		return
	}

	if logs, err = marshalJSON("logs", step.Logs); err != nil {
		return
	}

	diagnostics, err = marshalJSON("diagnostics", step.Diagnostics)

	return
}

func stepArgs(step *models.ExecutionStep) ([]any, error) {
	input, output, errPayload, keys, resume, metadata, logs, diagnostics, err := stepPayloads(step)
	if err != nil {
		return nil, err
	}

	return []any{
		step.ID, step.ExecutionID, step.WorkflowID, step.OrganizationID, step.NodeID, step.Status,
		step.Attempts, step.MaxAttempts, step.QueuedAt, step.StartedAt, step.CompletedAt,
		input, output, errPayload, keys, resume, step.WaitUntil, metadata, logs, diagnostics,
		step.CreatedAt, step.UpdatedAt,
	}, nil
}

func scanStep(row scanner) (*models.ExecutionStep, error) {
	var (
		step                                        models.ExecutionStep
		maxAttempts                                 sql.NullInt64
		queuedAt, startedAt, completedAt, waitUntil sql.NullTime
		input, output, errPayload, keys             []byte
		resume, metadata, logs, diagnostics         []byte
	)

	err := row.Scan(
		&step.ID, &step.ExecutionID, &step.WorkflowID, &step.OrganizationID, &step.NodeID, &step.Status,
		&step.Attempts, &maxAttempts, &queuedAt, &startedAt, &completedAt,
		&input, &output, &errPayload, &keys, &resume, &waitUntil, &metadata, &logs, &diagnostics,
		&step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if maxAttempts.Valid {
		value := int(maxAttempts.Int64)
		step.MaxAttempts = &value
	}

	step.QueuedAt = nullTime(queuedAt)
	step.StartedAt = nullTime(startedAt)
	step.CompletedAt = nullTime(completedAt)
	step.WaitUntil = nullTime(waitUntil)

	for _, field := range []struct {
		name   string
		data   []byte
		target any
	}{
		{"input", input, &step.Input},
		{"output", output, &step.Output},
		{"error", errPayload, &step.Error},
		{"deterministic keys", keys, &step.DeterministicKeys},
		{"resume state", resume, &step.ResumeState},
		{"metadata", metadata, &step.Metadata},
		{"logs", logs, &step.Logs},
		{"diagnostics", diagnostics, &step.Diagnostics},
	} {
		if err := unmarshalJSON(field.name, field.data, field.target); err != nil {
			return nil, err
		}
	}

	return &step, nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time

	return &t
}
