package scheduler

import (
	"fmt"

	"github.com/dukex/conductor/pkg/models"
)

// Plan is a topological preview of a graph. Levels groups node ids that can
// run concurrently. Complete is false when a cycle kept some nodes, listed in
// Unresolved, out of Order.
type Plan struct {
	Order      []string   `json:"order"`
	Levels     [][]string `json:"levels"`
	Warnings   []string   `json:"warnings,omitempty"`
	Complete   bool       `json:"complete"`
	Unresolved []string   `json:"unresolved,omitempty"`
}

// Compile orders graph with Kahn's algorithm. Structural problems are
// reported as warnings on a partial plan, never as errors.
func Compile(graph *models.Graph) *Plan {
	plan := &Plan{Order: []string{}, Levels: [][]string{}}
	if graph == nil || len(graph.Nodes) == 0 {
		plan.Complete = true

		return plan
	}

	known := make(map[string]bool, len(graph.Nodes))
	for _, node := range graph.Nodes {
		known[node.ID] = true
	}

	inDegree := make(map[string]int, len(graph.Nodes))
	children := make(map[string][]string)
	seen := make(map[[2]string]bool)

	for _, edge := range graph.Edges {
		source, target := edge.SourceNodeID(), edge.TargetNodeID()

		if !known[source] || !known[target] {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("edge %s references missing node (%s -> %s)", edge.ID, source, target))

			continue
		}

		pair := [2]string{source, target}
		if seen[pair] {
			continue
		}

		seen[pair] = true
		inDegree[target]++
		children[source] = append(children[source], target)
	}

	var level []string

	for _, node := range graph.Nodes {
		if inDegree[node.ID] == 0 {
			level = append(level, node.ID)
		}
	}

	for len(level) > 0 {
		plan.Levels = append(plan.Levels, level)
		plan.Order = append(plan.Order, level...)

		var next []string

		for _, id := range level {
			for _, child := range children[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}

		level = next
	}

	plan.Complete = len(plan.Order) == len(graph.Nodes)
	if !plan.Complete {
		ordered := make(map[string]bool, len(plan.Order))
		for _, id := range plan.Order {
			ordered[id] = true
		}

		for _, node := range graph.Nodes {
			if !ordered[node.ID] {
				plan.Unresolved = append(plan.Unresolved, node.ID)
			}
		}

		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"cycle detected: %d of %d nodes could not be ordered", len(plan.Unresolved), len(graph.Nodes)))
	}

	return plan
}
