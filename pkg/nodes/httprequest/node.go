// Package httprequest provides the HTTP connector node.
package httprequest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/conductor/pkg/protocol"
	"github.com/dukex/conductor/pkg/retry"
	"github.com/dukex/conductor/pkg/template"
	"github.com/go-playground/validator/v10"
)

// NodeType is also the connector id "http" in the action.<connector>.<op> form.
const NodeType = "action.http"

// IdempotencyHeader carries a stable per-step key so the remote side can
// deduplicate retried requests.
const IdempotencyHeader = "Idempotency-Key"

// HTTPRequestNode performs one HTTP call per attempt. Retries are driven by
// the engine, not by the node.
type HTTPRequestNode struct {
	id     string
	config HTTPRequestConfig
	client *http.Client
}

// HTTPRequestConfig is the decoded node configuration. Timeout is in seconds.
type HTTPRequestConfig struct {
	URL     string            `json:"url" validate:"required"`
	Method  string            `json:"method" validate:"oneof=GET POST PUT DELETE PATCH HEAD OPTIONS"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
	Timeout int               `json:"timeout" validate:"gte=1,lte=300"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func NewHTTPRequestNode(id string, config map[string]any) (*HTTPRequestNode, error) {
	httpConfig := HTTPRequestConfig{
		Method:  http.MethodGet,
		Headers: make(map[string]string),
		Timeout: 30,
	}

	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("invalid http node configuration: %w", err)
	}

	if err := json.Unmarshal(raw, &httpConfig); err != nil {
		return nil, fmt.Errorf("invalid http node configuration: %w", err)
	}

	httpConfig.Method = strings.ToUpper(httpConfig.Method)

	if err := validate.Struct(httpConfig); err != nil {
		return nil, fmt.Errorf("invalid http node configuration: %w", err)
	}

	return &HTTPRequestNode{
		id:     id,
		config: httpConfig,
		client: &http.Client{Timeout: time.Duration(httpConfig.Timeout) * time.Second},
	}, nil
}

func (n *HTTPRequestNode) ID() string {
	return n.id
}

func (n *HTTPRequestNode) Type() string {
	return NodeType
}

// HTTPError is a response with a status of 400 or above.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Execute renders the request, performs it and returns the response. Client
// errors (4xx) are permanent; server and network errors may be retried.
func (n *HTTPRequestNode) Execute(ctx context.Context, input protocol.NodeInput) (protocol.NodeResult, error) {
	url, err := template.RenderString(n.config.URL, input)
	if err != nil {
		return protocol.NodeResult{}, retry.Permanent(fmt.Errorf("failed to render URL template: %w", err))
	}

	var body string

	if n.config.Body != "" {
		body, err = template.RenderString(n.config.Body, input)
		if err != nil {
			return protocol.NodeResult{}, retry.Permanent(fmt.Errorf("failed to render body template: %w", err))
		}
	}

	headers := make(map[string]string, len(n.config.Headers)+1)

	for key, value := range n.config.Headers {
		rendered, err := template.RenderString(value, input)
		if err != nil {
			rendered = value
		}

		headers[key] = rendered
	}

	if _, ok := headers[IdempotencyHeader]; !ok {
		headers[IdempotencyHeader] = input.ExecutionID + ":" + input.NodeID
	}

	fingerprint := requestFingerprint(n.config.Method, url, body)

	output, err := n.performRequest(ctx, url, body, headers)
	if err != nil {
		httpErr := &HTTPError{}
		if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
			return protocol.NodeResult{}, retry.Permanent(err)
		}

		return protocol.NodeResult{}, err
	}

	return protocol.NodeResult{
		Output: output,
		DeterministicKeys: map[string]string{
			"request":         fingerprint,
			IdempotencyHeader: headers[IdempotencyHeader],
		},
	}, nil
}

func requestFingerprint(method, url, body string) string {
	sum := sha256.Sum256([]byte(method + " " + url + "\n" + body))

	return hex.EncodeToString(sum[:])
}

func (n *HTTPRequestNode) performRequest(ctx context.Context, url, body string, headers map[string]string) (map[string]any, error) {
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, n.config.Method, url, reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
		"body":        string(respBody),
	}

	var jsonBody any
	if err := json.Unmarshal(respBody, &jsonBody); err == nil {
		result["json"] = jsonBody
	}

	return result, nil
}

func flattenHeaders(header http.Header) map[string]any {
	flat := make(map[string]any, len(header))
	for key := range header {
		flat[key] = header.Get(key)
	}

	return flat
}
