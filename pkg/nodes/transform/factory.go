package transform

import (
	"context"

	"github.com/dukex/conductor/pkg/protocol"
)

const NodeType = "transform"

type TransformNodeFactory struct{}

func NewTransformNodeFactory() protocol.NodeFactory {
	return &TransformNodeFactory{}
}

func (f *TransformNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Node, error) {
	return NewTransformNode(id, config)
}

func (f *TransformNodeFactory) ID() string {
	return NodeType
}

func (f *TransformNodeFactory) Name() string {
	return "Transform"
}

func (f *TransformNodeFactory) Description() string {
	return "Renders a Go template against execution variables and upstream outputs"
}

// Schema describes the expression. The rendered value, decoded when it looks
// like JSON, is stored under "result".
func (f *TransformNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type": "string",
				"examples": []string{
					`{"contact_id": "{{.inputs.upsert_contact.body.id}}", "org": "{{.execution.organization_id}}"}`,
					`{{ default "unknown" .vars.region }}`,
				},
			},
		},
		"required": []string{"expression"},
	}
}
