package admission

import (
	"strings"

	"github.com/dukex/conductor/pkg/models"
)

// connectorCandidates are tried in order; the first non-empty value names the
// node's connector.
var connectorCandidates = []func(node *models.Node) string{
	func(node *models.Node) string { return node.ConnectorID },
	func(node *models.Node) string { return stringField(node.Data, "connectorId") },
	func(node *models.Node) string { return stringField(node.Data, "connector") },
	func(node *models.Node) string { return stringField(node.Config, "connector_id") },
	func(node *models.Node) string { return connectorFromType(node.Type) },
}

// ResolveConnectorID returns the connector a node calls, if any.
func ResolveConnectorID(node *models.Node) (string, bool) {
	if node == nil {
		return "", false
	}

	for _, candidate := range connectorCandidates {
		if id := strings.TrimSpace(candidate(node)); id != "" {
			return id, true
		}
	}

	return "", false
}

// ConnectorsForGraph lists the distinct connectors referenced by a graph, in
// node order.
func ConnectorsForGraph(graph *models.Graph) []string {
	if graph == nil {
		return nil
	}

	seen := make(map[string]struct{})
	connectors := make([]string, 0)

	for _, node := range graph.Nodes {
		id, ok := ResolveConnectorID(node)
		if !ok {
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		connectors = append(connectors, id)
	}

	return connectors
}

func stringField(values map[string]any, key string) string {
	if values == nil {
		return ""
	}

	s, _ := values[key].(string)

	return s
}

// connectorFromType parses "action.<connector>.<operation>".
func connectorFromType(nodeType string) string {
	parts := strings.Split(nodeType, ".")
	if len(parts) < 3 || parts[0] != "action" {
		return ""
	}

	return parts[1]
}
