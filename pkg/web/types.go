// Package web provides HTTP request and response types for the execution API.
package web

import (
	"time"

	"github.com/dukex/conductor/pkg/models"
)

// EnqueueExecutionRequest is the body of POST /executions.
type EnqueueExecutionRequest struct {
	WorkflowID     string         `json:"workflow_id"            validate:"required"`
	OrganizationID string         `json:"organization_id"        validate:"required"`
	Graph          *models.Graph  `json:"graph"                  validate:"required"`
	MaxAttempts    *int           `json:"max_attempts,omitempty" validate:"omitempty,gte=1,lte=100"`
	Input          map[string]any `json:"input,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PreviewRequest is the body of POST /graphs/preview.
type PreviewRequest struct {
	Graph *models.Graph `json:"graph" validate:"required"`
}

// ResumeStepRequest is the body of POST /steps/:id/resume. Payload must carry
// the token the step was parked with.
type ResumeStepRequest struct {
	Payload map[string]any `json:"payload" validate:"required"`
}

// ExecutionResponse is an execution without its graph.
type ExecutionResponse struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	OrganizationID string                 `json:"organization_id"`
	Status         models.ExecutionStatus `json:"status"`
	Connectors     []string               `json:"connectors,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// TransformExecutionResponse drops the graph and input of an execution.
func TransformExecutionResponse(execution *models.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:             execution.ID,
		WorkflowID:     execution.WorkflowID,
		OrganizationID: execution.OrganizationID,
		Status:         execution.Status,
		Connectors:     execution.Connectors,
		Error:          execution.Error,
		Metadata:       execution.Metadata,
		CreatedAt:      execution.CreatedAt,
		StartedAt:      execution.StartedAt,
		CompletedAt:    execution.CompletedAt,
	}
}

// StepsResponse lists the steps of one execution with a status summary.
type StepsResponse struct {
	ExecutionID string                    `json:"execution_id"`
	Steps       []*models.ExecutionStep   `json:"steps"`
	Counts      map[models.StepStatus]int `json:"counts"`
}

// NodeTypeResponse describes a registered node type.
type NodeTypeResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}
