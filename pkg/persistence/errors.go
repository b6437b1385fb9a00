package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrStepNotFound indicates an execution step was not found by the given identifier.
	ErrStepNotFound = errors.New("execution step not found")

	// ErrStepConflict indicates the step changed status since it was read.
	ErrStepConflict = errors.New("execution step status conflict")

	// ErrDuplicateStep indicates a step already exists for (execution, node).
	ErrDuplicateStep = errors.New("execution step already exists")

	// ErrExecutionNotFound indicates an execution record was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrQuotaNotFound indicates no quota counters exist yet for an organization.
	ErrQuotaNotFound = errors.New("quota state not found")

	// ErrIdempotencyRecordNotFound indicates no unexpired idempotency record exists.
	ErrIdempotencyRecordNotFound = errors.New("idempotency record not found")

	// ErrDeadLetterNotFound indicates a dead-letter item was not found.
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// StepError wraps step-related errors with additional context.
type StepError struct {
	Op          string // Operation being performed (e.g., "GetStep", "UpdateStep")
	StepID      string // Step ID if applicable
	ExecutionID string // Execution ID if applicable
	Err         error  // Underlying error
}

func (e *StepError) Error() string {
	target := e.StepID
	if target == "" {
		target = "execution " + e.ExecutionID
	}

	return fmt.Sprintf("%s operation failed for step %s: %v", e.Op, target, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for step errors.
func (e *StepError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStepError creates a new step error with context.
func NewStepError(op, stepID string, err error) *StepError {
	return &StepError{
		Op:     op,
		StepID: stepID,
		Err:    err,
	}
}

// NewExecutionStepsError creates a new step error for execution-wide operations.
func NewExecutionStepsError(op, executionID string, err error) *StepError {
	return &StepError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// IsStepNotFound checks if an error indicates a step was not found.
func IsStepNotFound(err error) bool {
	return errors.Is(err, ErrStepNotFound)
}

// IsStepConflict checks if an error indicates a concurrent status change.
func IsStepConflict(err error) bool {
	return errors.Is(err, ErrStepConflict)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsNotFound checks if an error is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrQuotaNotFound) ||
		errors.Is(err, ErrIdempotencyRecordNotFound) ||
		errors.Is(err, ErrDeadLetterNotFound)
}
