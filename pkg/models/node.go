package models

import (
	"time"
)

// StepStatus defines the possible states of an execution step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusQueued    StepStatus = "queued"
	StepStatusRunning   StepStatus = "running"
	StepStatusWaiting   StepStatus = "waiting"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// ExecutionStep is one row per graph node per execution.
type ExecutionStep struct {
	ID                string            `json:"id"`
	ExecutionID       string            `json:"execution_id"`
	WorkflowID        string            `json:"workflow_id"`
	OrganizationID    string            `json:"organization_id"`
	NodeID            string            `json:"node_id"`
	Status            StepStatus        `json:"status"`
	Attempts          int               `json:"attempts"`
	MaxAttempts       *int              `json:"max_attempts,omitempty"`
	QueuedAt          *time.Time        `json:"queued_at,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	Input             map[string]any    `json:"input,omitempty"`
	Output            map[string]any    `json:"output,omitempty"`
	Error             map[string]any    `json:"error,omitempty"`
	DeterministicKeys map[string]string `json:"deterministic_keys,omitempty"`
	ResumeState       map[string]any    `json:"resume_state,omitempty"`
	WaitUntil         *time.Time        `json:"wait_until,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	Logs              []StepLog         `json:"logs,omitempty"`
	Diagnostics       map[string]any    `json:"diagnostics,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// StepLog is a log line captured while a step ran.
type StepLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// ExecutionStepDependency is an edge record: StepID waits for DependsOnStepID.
type ExecutionStepDependency struct {
	ExecutionID     string `json:"execution_id"`
	StepID          string `json:"step_id"`
	DependsOnStepID string `json:"depends_on_step_id"`
}

// Clone returns a deep enough copy for store implementations that must not
// share maps with callers.
func (s *ExecutionStep) Clone() *ExecutionStep {
	if s == nil {
		return nil
	}

	c := *s
	c.MaxAttempts = cloneIntPtr(s.MaxAttempts)
	c.QueuedAt = cloneTimePtr(s.QueuedAt)
	c.StartedAt = cloneTimePtr(s.StartedAt)
	c.CompletedAt = cloneTimePtr(s.CompletedAt)
	c.WaitUntil = cloneTimePtr(s.WaitUntil)
	c.Input = cloneMap(s.Input)
	c.Output = cloneMap(s.Output)
	c.Error = cloneMap(s.Error)
	c.ResumeState = cloneMap(s.ResumeState)
	c.Metadata = cloneMap(s.Metadata)
	c.Diagnostics = cloneMap(s.Diagnostics)

	if s.DeterministicKeys != nil {
		c.DeterministicKeys = make(map[string]string, len(s.DeterministicKeys))
		for k, v := range s.DeterministicKeys {
			c.DeterministicKeys[k] = v
		}
	}

	if s.Logs != nil {
		c.Logs = append([]StepLog(nil), s.Logs...)
	}

	return &c
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}

func cloneIntPtr(i *int) *int {
	if i == nil {
		return nil
	}

	v := *i

	return &v
}
