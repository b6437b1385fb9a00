package admission_test

import (
	"testing"

	"github.com/dukex/conductor/pkg/admission"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/testutil"
	"github.com/stretchr/testify/assert"
)

func TestResolveConnectorID(t *testing.T) {
	tests := []struct {
		name     string
		node     *models.Node
		expected string
		found    bool
	}{
		{"explicit field", testutil.CreateTestNode("a", testutil.WithConnector("slack")), "slack", true},
		{"data connectorId", testutil.CreateTestNode("a", testutil.WithData(map[string]any{"connectorId": "github"})), "github", true},
		{"data connector", testutil.CreateTestNode("a", testutil.WithData(map[string]any{"connector": "jira"})), "jira", true},
		{"config connector_id", testutil.CreateTestNode("a", testutil.WithConfig(map[string]any{"connector_id": "notion"})), "notion", true},
		{"dotted type", testutil.CreateTestNode("a", testutil.WithType("action.stripe.create_charge")), "stripe", true},
		{
			"explicit beats type",
			testutil.CreateTestNode("a", testutil.WithConnector("slack"), testutil.WithType("action.stripe.charge")),
			"slack", true,
		},
		{"non-action type", testutil.CreateTestNode("a", testutil.WithType("log")), "", false},
		{"two segment type", testutil.CreateTestNode("a", testutil.WithType("action.stripe")), "", false},
		{"non-string data", testutil.CreateTestNode("a", testutil.WithData(map[string]any{"connector": 42})), "", false},
		{"nil node", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := admission.ResolveConnectorID(tt.node)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, id)
		})
	}
}

func TestConnectorsForGraph(t *testing.T) {
	graph := &models.Graph{Nodes: []*models.Node{
		testutil.CreateTestNode("a", testutil.WithType("action.slack.post")),
		testutil.CreateTestNode("b"),
		testutil.CreateTestNode("c", testutil.WithConnector("github")),
		testutil.CreateTestNode("d", testutil.WithData(map[string]any{"connector": "slack"})),
	}}

	assert.Equal(t, []string{"slack", "github"}, admission.ConnectorsForGraph(graph))
	assert.Nil(t, admission.ConnectorsForGraph(nil))
}
