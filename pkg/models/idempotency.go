package models

import (
	"encoding/json"
	"time"
)

// IdempotencyRecord is the persisted result of a step's successful unit of work.
type IdempotencyRecord struct {
	ExecutionID    string          `json:"execution_id"`
	NodeID         string          `json:"node_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	ResultHash     string          `json:"result_hash"`
	ResultData     json.RawMessage `json:"result_data"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Expired reports whether the record is no longer valid at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// DeadLetter is a step that exhausted its retry budget.
type DeadLetter struct {
	ID             string          `json:"id"`
	ExecutionID    string          `json:"execution_id"`
	StepID         string          `json:"step_id"`
	NodeID         string          `json:"node_id"`
	OrganizationID string          `json:"organization_id"`
	Error          string          `json:"error"`
	Attempts       int             `json:"attempts"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	AutoReplay     bool            `json:"auto_replay"`
	CreatedAt      time.Time       `json:"created_at"`
	ReplayedAt     *time.Time      `json:"replayed_at,omitempty"`
}
