package web

import (
	"errors"

	"github.com/dukex/conductor/pkg/admission"
	"github.com/dukex/conductor/pkg/engine"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/retry"
	"github.com/dukex/conductor/pkg/scheduler"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// Problem types of admission rejections.
const (
	ProblemQuotaExceeded        = "quota_exceeded"
	ProblemConnectorCapacity    = "connector_capacity_exceeded"
	ProblemAdmissionUnavailable = "admission_unavailable"
)

// AdmissionProblem is the 429 body of a rejected enqueue.
type AdmissionProblem struct {
	*problems.Problem

	ExecutionID    string                         `json:"execution_id,omitempty"`
	OrganizationID string                         `json:"organization_id"`
	Reason         string                         `json:"reason"`
	Limit          int64                          `json:"limit"`
	Current        int64                          `json:"current"`
	ConnectorID    string                         `json:"connector_id,omitempty"`
	Violations     []admission.ConnectorViolation `json:"violations,omitempty"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType string, err error) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(err.Error())

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func unavailable(c fiber.Ctx, problemType string, err error) error {
	problem := problems.NewStatusProblem(503).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(err.Error())

	return c.Status(fiber.StatusServiceUnavailable).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

func tooManyRequests(c fiber.Ctx, execution *models.Execution, err error) error {
	body := AdmissionProblem{
		Problem: problems.NewStatusProblem(429).
			WithInstance(c.Path()).
			WithDetail(err.Error()),
	}

	if execution != nil {
		body.ExecutionID = execution.ID
	}

	if quotaErr, ok := admission.AsQuotaError(err); ok {
		body.Problem = body.Problem.WithType(ProblemQuotaExceeded)
		body.OrganizationID = quotaErr.OrganizationID
		body.Reason = quotaErr.Reason
		body.Limit = quotaErr.Limit
		body.Current = quotaErr.Current
	} else if capacityErr, ok := admission.AsConnectorCapacityError(err); ok {
		body.Problem = body.Problem.WithType(ProblemConnectorCapacity)
		body.OrganizationID = capacityErr.OrganizationID
		body.Reason = "connector_" + capacityErr.Scope
		body.Limit = capacityErr.Limit
		body.Current = capacityErr.Current
		body.ConnectorID = capacityErr.ConnectorID
		body.Violations = capacityErr.Violations
	}

	return c.Status(fiber.StatusTooManyRequests).JSON(body)
}

// handleEngineError maps engine, admission and persistence errors to problems.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case admission.IsRejected(err):
		return tooManyRequests(c, nil, err)

	case errors.Is(err, admission.ErrAdmissionUnavailable):
		return unavailable(c, ProblemAdmissionUnavailable, err)

	case errors.Is(err, retry.ErrDeadLettersUnavailable):
		return unavailable(c, "dead_letters_unavailable", err)

	case errors.Is(err, engine.ErrInvalidGraph):
		return badRequest(c, err.Error())

	case errors.Is(err, scheduler.ErrResumeStateMismatch):
		return conflict(c, "resume_state_mismatch", err)

	case errors.Is(err, models.ErrInvalidTransition):
		return conflict(c, "invalid_transition", err)

	case errors.Is(err, engine.ErrExecutionFinished):
		return conflict(c, "execution_finished", err)

	case errors.Is(err, engine.ErrExecutionBusy):
		return conflict(c, "execution_busy", err)

	case persistence.IsStepNotFound(err):
		return notFound(c, "step not found")

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution not found")

	case errors.Is(err, persistence.ErrDeadLetterNotFound):
		return notFound(c, "dead letter not found")

	default:
		return internalError(c, err)
	}
}
