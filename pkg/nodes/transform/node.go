// Package transform provides a node that renders a template into its output.
package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/conductor/pkg/protocol"
	"github.com/dukex/conductor/pkg/retry"
	"github.com/dukex/conductor/pkg/template"
)

// TransformNode implements the Node interface for data transformation.
type TransformNode struct {
	id         string
	expression string
}

// NewTransformNode creates a new data transformation node.
func NewTransformNode(id string, config map[string]any) (*TransformNode, error) {
	expression, ok := config["expression"].(string)
	if !ok {
		return nil, errors.New("missing required field 'expression'")
	}

	return &TransformNode{
		id:         id,
		expression: expression,
	}, nil
}

// ID returns the node ID.
func (n *TransformNode) ID() string {
	return n.id
}

// Type returns the node type.
func (n *TransformNode) Type() string {
	return NodeType
}

// Execute renders the expression. Render failures are permanent.
func (n *TransformNode) Execute(_ context.Context, input protocol.NodeInput) (protocol.NodeResult, error) {
	result, err := template.RenderInput(n.expression, input)
	if err != nil {
		return protocol.NodeResult{}, retry.Permanent(fmt.Errorf("transformation failed: %w", err))
	}

	return protocol.NodeResult{
		Output: map[string]any{"result": result},
	}, nil
}
