// Package approval provides a node that parks its step until an operator
// resumes it with a decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/conductor/pkg/protocol"
	"github.com/dukex/conductor/pkg/retry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const NodeType = "approval"

// ErrRejected is returned when the resume payload declines the approval.
var ErrRejected = errors.New("approval rejected")

type ApprovalNode struct {
	id        string
	message   string
	approvers []string
	timeout   time.Duration
	clock     clockwork.Clock
}

func NewApprovalNode(id string, config map[string]any, clock clockwork.Clock) (*ApprovalNode, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	node := &ApprovalNode{id: id, clock: clock}

	if message, ok := config["message"].(string); ok {
		node.message = message
	}

	if approvers, ok := config["approvers"].([]any); ok {
		for _, approver := range approvers {
			name, ok := approver.(string)
			if !ok {
				return nil, fmt.Errorf("approver %v is not a string", approver)
			}

			node.approvers = append(node.approvers, name)
		}
	}

	switch timeout := config["timeout_seconds"].(type) {
	case float64:
		node.timeout = time.Duration(timeout * float64(time.Second))
	case int:
		node.timeout = time.Duration(timeout) * time.Second
	case nil:
	default:
		return nil, fmt.Errorf("timeout_seconds must be a number, got %T", timeout)
	}

	if node.timeout < 0 {
		return nil, errors.New("timeout_seconds must not be negative")
	}

	return node, nil
}

func (n *ApprovalNode) ID() string {
	return n.id
}

func (n *ApprovalNode) Type() string {
	return NodeType
}

// Execute asks for a decision on the first run and reports it once resumed.
// The resume payload must echo the issued token and carry "approved".
func (n *ApprovalNode) Execute(_ context.Context, input protocol.NodeInput) (protocol.NodeResult, error) {
	if input.Resume == nil {
		return n.request(), nil
	}

	approved, _ := input.Resume["approved"].(bool)
	decidedBy, _ := input.Resume["by"].(string)

	if !approved {
		return protocol.NodeResult{}, retry.Permanent(fmt.Errorf("%w by %q", ErrRejected, decidedBy))
	}

	output := map[string]any{
		"approved":    true,
		"approved_by": decidedBy,
	}

	if comment, ok := input.Resume["comment"].(string); ok {
		output["comment"] = comment
	}

	return protocol.NodeResult{Output: output}, nil
}

func (n *ApprovalNode) request() protocol.NodeResult {
	state := map[string]any{"token": uuid.NewString()}

	if n.message != "" {
		state["message"] = n.message
	}

	if len(n.approvers) > 0 {
		state["approvers"] = n.approvers
	}

	wait := &protocol.Wait{ResumeState: state}

	if n.timeout > 0 {
		until := n.clock.Now().UTC().Add(n.timeout)
		wait.Until = &until
	}

	return protocol.NodeResult{
		Wait:     wait,
		Metadata: map[string]any{"approval_requested": true},
	}
}
