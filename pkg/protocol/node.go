// Package protocol defines the interfaces and contracts for pluggable nodes.
package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/conductor/pkg/models"
)

// Node runs the unit of work of one graph node.
type Node interface {
	ID() string
	Type() string
	// Execute returns an error to fail the attempt. Wrap it with
	// retry.Permanent to skip the remaining attempts.
	Execute(ctx context.Context, input NodeInput) (NodeResult, error)
}

// NodeInput is what a node sees for one attempt.
type NodeInput struct {
	ExecutionID    string
	WorkflowID     string
	OrganizationID string
	StepID         string
	NodeID         string
	Attempt        int
	// Variables is the execution input.
	Variables map[string]any
	// Inputs holds the output of every completed step keyed by node id.
	Inputs map[string]map[string]any
	// Resume is the payload of the resume call that woke a waiting step, nil
	// on a first run.
	Resume map[string]any
	Logger *slog.Logger
}

// NodeResult is a successful attempt. A non-nil Wait parks the step instead
// of completing it.
type NodeResult struct {
	Output            map[string]any
	Wait              *Wait
	DeterministicKeys map[string]string
	Metadata          map[string]any
	Logs              []models.StepLog
}

// Wait describes how a parked step wakes up: at Until, or when a resume
// carrying ResumeState arrives.
type Wait struct {
	Until       *time.Time
	ResumeState map[string]any
}

// NodeFactory creates node instances and provides metadata about the node type.
type NodeFactory interface {
	// Create creates a new node instance with the given configuration
	Create(ctx context.Context, id string, config map[string]any) (Node, error)

	// ID returns the unique identifier for this node type
	ID() string

	// Name returns the human-readable name for this node type
	Name() string

	// Description returns a description of what this node does
	Description() string

	// Schema returns the JSON schema for configuring this node
	Schema() map[string]any
}
