package approval

import (
	"context"

	"github.com/dukex/conductor/pkg/protocol"
	"github.com/jonboulle/clockwork"
)

// ApprovalNodeFactory creates ApprovalNode instances.
type ApprovalNodeFactory struct {
	clock clockwork.Clock
}

// NewApprovalNodeFactory creates a factory whose nodes compute wait deadlines
// from clock.
func NewApprovalNodeFactory(clock clockwork.Clock) protocol.NodeFactory {
	return &ApprovalNodeFactory{clock: clock}
}

func (f *ApprovalNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Node, error) {
	return NewApprovalNode(id, config, f.clock)
}

func (f *ApprovalNodeFactory) ID() string {
	return NodeType
}

func (f *ApprovalNodeFactory) Name() string {
	return "Approval"
}

func (f *ApprovalNodeFactory) Description() string {
	return "Suspends the step until it is resumed with the issued token and a decision, or until the timeout passes"
}

func (f *ApprovalNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Text shown to approvers",
			},
			"approvers": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Who may decide",
			},
			"timeout_seconds": map[string]any{
				"type":        "number",
				"minimum":     0,
				"description": "Fail the step when no decision arrives in time. 0 waits forever.",
			},
		},
		"examples": []map[string]any{
			{"message": "Ship order {{.vars.order_id}}?", "approvers": []string{"ops"}, "timeout_seconds": 3600},
		},
	}
}
