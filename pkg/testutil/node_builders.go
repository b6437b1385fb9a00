// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"github.com/dukex/conductor/pkg/models"
)

// CreateTestNode creates a test Node with default values that can be overridden.
func CreateTestNode(id string, overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{
		ID:     id,
		Type:   "log",
		Name:   "Test Node " + id,
		Config: map[string]any{"message": "test", "level": "info"},
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithType sets the node type.
func WithType(nodeType string) func(*models.Node) {
	return func(n *models.Node) {
		n.Type = nodeType
	}
}

// WithConnector sets the explicit connector id.
func WithConnector(connectorID string) func(*models.Node) {
	return func(n *models.Node) {
		n.ConnectorID = connectorID
	}
}

// WithConfig sets the node configuration.
func WithConfig(config map[string]any) func(*models.Node) {
	return func(n *models.Node) {
		n.Config = config
	}
}

// WithData sets the node data payload.
func WithData(data map[string]any) func(*models.Node) {
	return func(n *models.Node) {
		n.Data = data
	}
}

// WithRetries sets the node retry budget.
func WithRetries(retries int) func(*models.Node) {
	return func(n *models.Node) {
		n.Retries = &retries
	}
}

// WithIdempotencyKey sets a caller-supplied idempotency key.
func WithIdempotencyKey(key string) func(*models.Node) {
	return func(n *models.Node) {
		n.IdempotencyKey = key
	}
}

// LinearGraph builds a graph whose nodes run one after another in the given order.
func LinearGraph(nodeIDs ...string) *models.Graph {
	graph := &models.Graph{}

	for i, id := range nodeIDs {
		graph.Nodes = append(graph.Nodes, CreateTestNode(id))

		if i > 0 {
			graph.Edges = append(graph.Edges, &models.Edge{
				ID:     nodeIDs[i-1] + "->" + id,
				Source: nodeIDs[i-1],
				Target: id,
			})
		}
	}

	return graph
}

// Edge builds an edge from source to target.
func Edge(source, target string) *models.Edge {
	return &models.Edge{ID: source + "->" + target, Source: source, Target: target}
}
