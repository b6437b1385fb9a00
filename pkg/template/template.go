// Package template renders node configuration against the data of an attempt.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/conductor/pkg/protocol"
)

// Data exposes a node attempt to templates as .vars, .inputs, .resume and
// .execution.
func Data(input protocol.NodeInput) map[string]any {
	return map[string]any{
		"vars":   input.Variables,
		"inputs": input.Inputs,
		"resume": input.Resume,
		"execution": map[string]any{
			"id":              input.ExecutionID,
			"workflow_id":     input.WorkflowID,
			"organization_id": input.OrganizationID,
			"step_id":         input.StepID,
			"node_id":         input.NodeID,
			"attempt":         input.Attempt,
		},
	}
}

// RenderInput renders text against Data(input).
func RenderInput(text string, input protocol.NodeInput) (any, error) {
	return Render(text, Data(input))
}

// RenderString renders text and formats a structured result as JSON.
func RenderString(text string, input protocol.NodeInput) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	result, err := RenderInput(text, input)
	if err != nil {
		return "", err
	}

	if s, ok := result.(string); ok {
		return s, nil
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result), nil
	}

	return string(encoded), nil
}

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"rand": func(upper int) int {
		if upper <= 0 {
			return 0
		}

		n, err := rand.Int(rand.Reader, big.NewInt(int64(upper)))
		if err != nil {
			return 0
		}

		return int(n.Int64())
	},
	"json": func(v any) (string, error) {
		encoded, err := json.Marshal(v)

		return string(encoded), err
	},
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}

		return v
	},
}

// Render executes text against data. Output shaped like JSON, a number or a
// boolean is decoded into that type.
func Render(text string, data any) (any, error) {
	tmpl, err := template.New("node").Funcs(funcs).Option("missingkey=default").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", text, err)
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", text, err)
	}

	return coerce(text, strings.TrimSpace(buf.String()))
}

func coerce(text, out string) (any, error) {
	if (strings.HasPrefix(out, "{") && strings.HasSuffix(out, "}")) ||
		(strings.HasPrefix(out, "[") && strings.HasSuffix(out, "]")) {
		var decoded any

		if err := json.Unmarshal([]byte(out), &decoded); err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", text, err)
		}

		return decoded, nil
	}

	if num, err := strconv.ParseFloat(out, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(out); err == nil {
		return b, nil
	}

	return out, nil
}
