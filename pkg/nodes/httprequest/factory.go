package httprequest

import (
	"context"

	"github.com/dukex/conductor/pkg/protocol"
)

type HTTPRequestNodeFactory struct{}

func NewHTTPRequestNodeFactory() protocol.NodeFactory {
	return &HTTPRequestNodeFactory{}
}

func (f *HTTPRequestNodeFactory) Create(_ context.Context, id string, config map[string]any) (protocol.Node, error) {
	return NewHTTPRequestNode(id, config)
}

func (f *HTTPRequestNodeFactory) ID() string {
	return NodeType
}

func (f *HTTPRequestNodeFactory) Name() string {
	return "HTTP Request"
}

func (f *HTTPRequestNodeFactory) Description() string {
	return "Performs one HTTP request per attempt; 4xx responses fail the step without further retries"
}

// Schema describes the request. Every string field is rendered against the
// attempt before it is sent, and each request carries an Idempotency-Key
// derived from the step.
func (f *HTTPRequestNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Target URL",
				"examples": []string{
					"https://crm.example.com/contacts",
					"https://{{.vars.api_host}}/orders/{{.inputs.fetch.body.order_id}}",
				},
			},
			"method": map[string]any{
				"type":    "string",
				"default": "GET",
				"enum":    []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
				"examples": []map[string]any{
					{"Authorization": "Bearer {{.vars.crm_token}}"},
				},
			},
			"body": map[string]any{
				"type": "string",
				"examples": []string{
					`{"email": "{{.vars.email}}", "source": "{{.execution.workflow_id}}"}`,
				},
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Per-attempt timeout in seconds",
				"default":     30,
				"minimum":     1,
				"maximum":     300,
			},
		},
		"required": []string{"url"},
		"examples": []map[string]any{
			{
				"url":     "https://crm.example.com/contacts",
				"method":  "POST",
				"headers": map[string]string{"Content-Type": "application/json"},
				"body":    `{{ json .vars.contact }}`,
				"timeout": 10,
			},
		},
	}
}
