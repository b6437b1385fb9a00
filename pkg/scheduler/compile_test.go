package scheduler

import (
	"testing"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCompile_Levels(t *testing.T) {
	graph := &models.Graph{
		Nodes: []*models.Node{
			testutil.CreateTestNode("a"),
			testutil.CreateTestNode("b"),
			testutil.CreateTestNode("c"),
			testutil.CreateTestNode("d"),
		},
		Edges: []*models.Edge{
			testutil.Edge("a", "c"),
			testutil.Edge("b", "c"),
			testutil.Edge("c", "d"),
		},
	}

	plan := Compile(graph)

	assert.True(t, plan.Complete)
	assert.Equal(t, []string{"a", "b", "c", "d"}, plan.Order)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}}, plan.Levels)
	assert.Empty(t, plan.Warnings)
}

func TestCompile_CycleIsReportedNotThrown(t *testing.T) {
	graph := &models.Graph{
		Nodes: []*models.Node{
			testutil.CreateTestNode("a"),
			testutil.CreateTestNode("b"),
			testutil.CreateTestNode("c"),
		},
		Edges: []*models.Edge{
			testutil.Edge("a", "b"),
			testutil.Edge("b", "c"),
			testutil.Edge("c", "b"),
		},
	}

	plan := Compile(graph)

	assert.False(t, plan.Complete)
	assert.Equal(t, []string{"a"}, plan.Order)
	assert.Equal(t, []string{"b", "c"}, plan.Unresolved)
	assert.Len(t, plan.Warnings, 1)
}

func TestCompile_OrphanEdge(t *testing.T) {
	graph := testutil.LinearGraph("a", "b")
	graph.Edges = append(graph.Edges, testutil.Edge("b", "missing"))

	plan := Compile(graph)

	assert.True(t, plan.Complete)
	assert.Equal(t, []string{"a", "b"}, plan.Order)
	assert.Len(t, plan.Warnings, 1)
}

func TestCompile_Empty(t *testing.T) {
	plan := Compile(nil)

	assert.True(t, plan.Complete)
	assert.Empty(t, plan.Order)
}
