// Package web provides HTTP handlers and REST API endpoints for executions.
package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/conductor/pkg/admission"
	"github.com/dukex/conductor/pkg/engine"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/registry"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	engine    *engine.Engine
	validator *validator.Validate
	registry  *registry.Registry
	store     HealthChecker
}

func NewAPIHandlers(
	engine *engine.Engine,
	validator *validator.Validate,
	registry *registry.Registry,
	store HealthChecker,
) *APIHandlers {
	return &APIHandlers{
		engine:    engine,
		validator: validator,
		registry:  registry,
		store:     store,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	storeCheck := "ok"

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		storeCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"store": storeCheck,
			"lock":  h.engine.Locks().Mode(),
			"nodes": len(h.registry.GetAvailableNodes()),
		},
		"timestamp": time.Now().UTC(),
	})
}

// EnqueueExecution admits an execution. A rejection answers 429 with the
// quota or connector ceiling that was hit.
func (h *APIHandlers) EnqueueExecution(c fiber.Ctx) error {
	var req EnqueueExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.engine.Enqueue(c.Context(), engine.EnqueueRequest{
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		Graph:          req.Graph,
		MaxAttempts:    req.MaxAttempts,
		Input:          req.Input,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if admission.IsRejected(err) {
			return tooManyRequests(c, execution, err)
		}

		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(TransformExecutionResponse(execution))
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	filter := persistence.ExecutionFilter{
		OrganizationID: c.Query("organization_id"),
		Status:         models.ExecutionStatus(c.Query("status")),
	}

	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	filter.Limit = limit

	executions, err := h.engine.ListExecutions(c.Context(), filter)
	if err != nil {
		return handleEngineError(c, err)
	}

	response := make([]ExecutionResponse, 0, len(executions))
	for _, execution := range executions {
		response = append(response, TransformExecutionResponse(execution))
	}

	return c.JSON(fiber.Map{
		"executions":  response,
		"total_count": len(response),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.engine.GetExecution(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(TransformExecutionResponse(execution))
}

func (h *APIHandlers) GetExecutionSteps(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if _, err := h.engine.GetExecution(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	steps, err := h.engine.Steps(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	counts, err := h.engine.Scheduler().GetStatusCounts(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(StepsResponse{ExecutionID: id, Steps: steps, Counts: counts})
}

func (h *APIHandlers) PreviewGraph(c fiber.Ctx) error {
	var req PreviewRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	return c.JSON(h.engine.Preview(req.Graph))
}

func (h *APIHandlers) ResumeStep(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Step ID is required")
	}

	var req ResumeStepRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	step, err := h.engine.Resume(c.Context(), id, req.Payload)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(step)
}

func (h *APIHandlers) GetDeadLetters(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	items, err := h.engine.Retry().ListDeadLetters(c.Context(), persistence.DeadLetterFilter{
		OrganizationID: c.Query("organization_id"),
		ExecutionID:    c.Query("execution_id"),
		Limit:          limit,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	if items == nil {
		items = []*models.DeadLetter{}
	}

	return c.JSON(fiber.Map{
		"dead_letters": items,
		"total_count":  len(items),
	})
}

func (h *APIHandlers) GetDeadLetter(c fiber.Ctx) error {
	item, err := h.engine.Retry().GetDeadLetter(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(item)
}

func (h *APIHandlers) ReplayDeadLetter(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Dead letter ID is required")
	}

	if err := h.engine.ReplayDeadLetter(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id, "replayed": true})
}

func (h *APIHandlers) GetNodeTypes(c fiber.Ctx) error {
	factories := h.registry.GetAvailableNodes()

	response := make([]NodeTypeResponse, 0, len(factories))
	for _, factory := range factories {
		response = append(response, NodeTypeResponse{
			ID:          factory.ID(),
			Name:        factory.Name(),
			Description: factory.Description(),
			Schema:      factory.Schema(),
		})
	}

	return c.JSON(response)
}

func (h *APIHandlers) GetLockTelemetry(c fiber.Ctx) error {
	return c.JSON(h.engine.Locks().Snapshot())
}

func (h *APIHandlers) GetRetryTelemetry(c fiber.Ctx) error {
	stats, err := h.engine.Retry().Stats(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(stats)
}

// GetQuotaState reports the organization's quota counters and, for every
// connector named in ?connectors=a,b, its active execution counts.
func (h *APIHandlers) GetQuotaState(c fiber.Ctx) error {
	organizationID := c.Params("id")
	if organizationID == "" {
		return badRequest(c, "Organization ID is required")
	}

	state, err := h.engine.Admission().Quota().GetState(c.Context(), organizationID)
	if err != nil {
		return handleEngineError(c, err)
	}

	active := fiber.Map{}

	for _, connectorID := range strings.Split(c.Query("connectors"), ",") {
		connectorID = strings.TrimSpace(connectorID)
		if connectorID == "" {
			continue
		}

		global, organization, err := h.engine.Admission().Connectors().Active(c.Context(), connectorID, organizationID)
		if err != nil {
			return handleEngineError(c, err)
		}

		active[connectorID] = fiber.Map{"global": global, "organization": organization}
	}

	return c.JSON(fiber.Map{
		"quota":      state,
		"connectors": active,
	})
}

func parseLimit(c fiber.Ctx) (int, error) {
	limitStr := c.Query("limit")
	if limitStr == "" {
		return 0, nil
	}

	return strconv.Atoi(limitStr)
}
