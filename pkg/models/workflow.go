// Package models defines the core domain models of the distributed execution engine.
package models

import "strings"

// Graph is the workflow definition an execution runs: nodes plus the
// dependency edges between them.
type Graph struct {
	Nodes []*Node `json:"nodes" validate:"required,min=1,dive"`
	Edges []*Edge `json:"edges" validate:"dive"`
}

// Node represents a node instance in a workflow graph.
type Node struct {
	ID             string         `json:"id"                        validate:"required"`
	Type           string         `json:"type"                      validate:"required"`
	Name           string         `json:"name,omitempty"`
	ConnectorID    string         `json:"connector_id,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Retries        *int           `json:"retries,omitempty"         validate:"omitempty,gte=0"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Edge connects two nodes: Target depends on Source.
//
// Source and Target accept either a bare node id or a port reference in the
// "{node_id}:{port_name}" form.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
}

// SourceNodeID returns the node id of the edge source.
func (e *Edge) SourceNodeID() string {
	return NodeIDFromPort(e.Source)
}

// TargetNodeID returns the node id of the edge target.
func (e *Edge) TargetNodeID() string {
	return NodeIDFromPort(e.Target)
}

// NodeIDFromPort strips an optional ":{port}" suffix from a port reference.
func NodeIDFromPort(ref string) string {
	if idx := strings.Index(ref, ":"); idx > 0 {
		return ref[:idx]
	}

	return ref
}

// NodeByID returns the node with the given id.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	if g == nil {
		return nil, false
	}

	for _, node := range g.Nodes {
		if node != nil && node.ID == id {
			return node, true
		}
	}

	return nil, false
}
