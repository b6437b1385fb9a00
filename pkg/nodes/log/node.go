// Package log provides a node that writes a rendered message to the step log.
package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/protocol"
	"github.com/dukex/conductor/pkg/template"
)

// LogLevel represents different logging levels.
type LogLevel int

const (
	Debug LogLevel = iota
	Info
	Warn
	Error
)

var logLevelName = map[LogLevel]string{
	Debug: "debug",
	Info:  "info",
	Warn:  "warn",
	Error: "error",
}

var slogLevel = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// LogNode implements the Node interface for logging messages.
type LogNode struct {
	id      string
	message string
	level   string
}

// NewLogNode creates a new logging node.
func NewLogNode(id string, config map[string]any) (*LogNode, error) {
	message, ok := config["message"].(string)
	if !ok {
		return nil, errors.New("missing required field 'message'")
	}

	level := logLevelName[Info]
	if lvl, ok := config["level"].(string); ok {
		if _, known := slogLevel[lvl]; !known {
			return nil, fmt.Errorf("invalid log level '%s' (must be debug, info, warn, or error)", lvl)
		}

		level = lvl
	}

	return &LogNode{
		id:      id,
		message: message,
		level:   level,
	}, nil
}

// ID returns the node ID.
func (n *LogNode) ID() string {
	return n.id
}

// Type returns the node type.
func (n *LogNode) Type() string {
	return NodeType
}

// Execute renders the message, logs it and records it on the step.
func (n *LogNode) Execute(ctx context.Context, input protocol.NodeInput) (protocol.NodeResult, error) {
	message, err := template.RenderString(n.message, input)
	if err != nil {
		return protocol.NodeResult{}, fmt.Errorf("failed to render log message template: %w", err)
	}

	logger := input.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.With("node_id", n.id, "node_type", NodeType).Log(ctx, slogLevel[n.level], message)

	return protocol.NodeResult{
		Output: map[string]any{
			"message": message,
			"level":   n.level,
			"logged":  true,
		},
		Logs: []models.StepLog{{
			Timestamp: time.Now().UTC(),
			Level:     n.level,
			Message:   message,
		}},
	}, nil
}
