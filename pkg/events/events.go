// Package events defines the messages carried by the execution queue.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every execution queue message. Messages are keyed by
// execution id so a partitioned broker delivers one execution to one consumer.
const Topic = "conductor.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// ExecutionAdmittedEvent asks a worker to initialize and drive an execution.
	ExecutionAdmittedEvent EventType = "execution.admitted"
	// ExecutionDriveRequestedEvent asks a worker to re-evaluate ready steps of
	// an execution that was already initialized (resume, replay, expiry).
	ExecutionDriveRequestedEvent EventType = "execution.drive_requested"

	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	StepDeadLetteredEvent   EventType = "step.dead_lettered"
)

// Drive reasons.
const (
	DriveReasonResume = "resume"
	DriveReasonReplay = "replay"
	DriveReasonExpiry = "expiry"
)

type BaseEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	ExecutionID    string         `json:"execution_id"`
	OrganizationID string         `json:"organization_id"`
	WorkerID       string         `json:"worker_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, executionID, organizationID string) BaseEvent {
	return BaseEvent{
		ID:             uuid.New().String(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		ExecutionID:    executionID,
		OrganizationID: organizationID,
	}
}

type ExecutionAdmitted struct {
	BaseEvent

	WorkflowID string `json:"workflow_id"`
}

func (e ExecutionAdmitted) GetType() EventType {
	return ExecutionAdmittedEvent
}

type ExecutionDriveRequested struct {
	BaseEvent

	Reason string `json:"reason"`
	StepID string `json:"step_id,omitempty"`
}

func (e ExecutionDriveRequested) GetType() EventType {
	return ExecutionDriveRequestedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	Outputs  map[string]map[string]any `json:"outputs,omitempty"`
	Duration time.Duration             `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	NodeID   string        `json:"node_id,omitempty"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type StepDeadLettered struct {
	BaseEvent

	DeadLetterID string `json:"dead_letter_id"`
	StepID       string `json:"step_id"`
	NodeID       string `json:"node_id"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error"`
}

func (e StepDeadLettered) GetType() EventType {
	return StepDeadLetteredEvent
}

// New returns an empty event value for eventType, ready to be decoded into.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case ExecutionAdmittedEvent:
		return &ExecutionAdmitted{}, true
	case ExecutionDriveRequestedEvent:
		return &ExecutionDriveRequested{}, true
	case ExecutionCompletedEvent:
		return &ExecutionCompleted{}, true
	case ExecutionFailedEvent:
		return &ExecutionFailed{}, true
	case StepDeadLetteredEvent:
		return &StepDeadLettered{}, true
	default:
		return nil, false
	}
}
