package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/conductor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConnectors(t *testing.T) {
	path := writeFile(t, "connectors.yaml", `
connectors:
  slack:
    global: 10
    per_organization: 2
  github:
    per_organization: 5
`)

	connectors, err := LoadConnectors(path)
	require.NoError(t, err)

	slack, ok := connectors.Connector("slack")
	require.True(t, ok)
	require.NotNil(t, slack.Global)
	assert.Equal(t, 10, *slack.Global)
	assert.Equal(t, 2, *slack.PerOrganization)

	github, ok := connectors.Connector("github")
	require.True(t, ok)
	assert.Nil(t, github.Global)

	_, ok = connectors.Connector("unknown")
	assert.False(t, ok)
	assert.Len(t, connectors.IDs(), 2)
}

func TestLoadConnectors_RejectsNegativeLimit(t *testing.T) {
	path := writeFile(t, "connectors.yaml", `
connectors:
  slack:
    global: -1
`)

	_, err := LoadConnectors(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid manifest")
}

func TestLoadConnectorsOrEmpty(t *testing.T) {
	connectors, err := LoadConnectorsOrEmpty("")
	require.NoError(t, err)
	assert.Empty(t, connectors.IDs())

	connectors, err = LoadConnectorsOrEmpty(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, connectors.IDs())

	_, err = LoadConnectorsOrEmpty(writeFile(t, "bad.yaml", "connectors: [this is not a map"))
	assert.Error(t, err)
}

func TestLoadPlans(t *testing.T) {
	path := writeFile(t, "plans.yaml", `
default:
  max_concurrent_executions: 5
  max_executions_per_minute: 60
organizations:
  org-enterprise:
    max_concurrent_executions: 50
    max_executions_per_minute: 0
    connector_concurrency:
      slack: 8
`)

	plans, err := LoadPlans(path)
	require.NoError(t, err)

	ctx := context.Background()

	limits, err := plans.Limits(ctx, "org-free")
	require.NoError(t, err)
	assert.Equal(t, 5, limits.MaxConcurrentExecutions)
	assert.Equal(t, 60, limits.MaxExecutionsPerMinute)

	limits, err = plans.Limits(ctx, "org-enterprise")
	require.NoError(t, err)
	assert.Equal(t, 50, limits.MaxConcurrentExecutions)
	assert.Equal(t, 8, limits.ConnectorConcurrency["slack"])
}

func TestPlans_SetOverride(t *testing.T) {
	plans := NewPlans(models.OrganizationLimits{MaxConcurrentExecutions: 1})
	plans.Set("org-1", models.OrganizationLimits{MaxConcurrentExecutions: 3})

	limits, err := plans.Limits(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, limits.MaxConcurrentExecutions)

	defaults, err := LoadPlansOrDefault("")
	require.NoError(t, err)

	limits, err = defaults.Limits(context.Background(), "anything")
	require.NoError(t, err)
	assert.Zero(t, limits.MaxConcurrentExecutions)
}
