package log

import (
	"context"
	"testing"

	conductorlog "github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNode_Execute(t *testing.T) {
	node, err := NewLogNode("test-log", map[string]any{
		"message": "Processing user: {{.vars.user_name}}",
		"level":   "warn",
	})
	require.NoError(t, err)

	result, err := node.Execute(context.Background(), protocol.NodeInput{
		NodeID:    "test-log",
		Variables: map[string]any{"user_name": "john_doe"},
		Logger:    conductorlog.Discard(),
	})
	require.NoError(t, err)

	assert.Equal(t, "Processing user: john_doe", result.Output["message"])
	assert.Equal(t, "warn", result.Output["level"])
	require.Len(t, result.Logs, 1)
	assert.Equal(t, "warn", result.Logs[0].Level)
	assert.Equal(t, "Processing user: john_doe", result.Logs[0].Message)
}

func TestLogNode_DefaultsToInfo(t *testing.T) {
	node, err := NewLogNode("n", map[string]any{"message": "hello"})
	require.NoError(t, err)

	result, err := node.Execute(context.Background(), protocol.NodeInput{})
	require.NoError(t, err)
	assert.Equal(t, "info", result.Output["level"])
}

func TestNewLogNode_InvalidConfig(t *testing.T) {
	_, err := NewLogNode("n", map[string]any{})
	require.Error(t, err)

	_, err = NewLogNode("n", map[string]any{"message": "x", "level": "fatal"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestLogNode_TemplateError(t *testing.T) {
	node, err := NewLogNode("n", map[string]any{"message": "{{ .vars.missing.deep }"})
	require.NoError(t, err)

	_, err = node.Execute(context.Background(), protocol.NodeInput{})
	require.Error(t, err)
}
