package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planFor(t *testing.T, def *Definition) (*Graph, *plan) {
	t.Helper()
	require.NoError(t, def.Validate())
	g, err := NewGraph(def)
	require.NoError(t, err)
	return g, buildPlan(g, def)
}

func oneStage(nodes []WorkflowNode, conns ...Connection) *Definition {
	return &Definition{
		ID:          "wf",
		Name:        "test",
		Stages:      []StageDefinition{{ID: "s1", Nodes: nodes}},
		Connections: conns,
	}
}

func TestPlan_AcyclicGraphHasNoLoops(t *testing.T) {
	t.Parallel()

	g, p := planFor(t, oneStage(
		[]WorkflowNode{fnNode("a", "trim"), fnNode("b", "trim"), fnNode("c", "trim"), fnNode("d", "trim")},
		Connection{From: "a", To: "b"},
		Connection{From: "a", To: "c"},
		Connection{From: "b", To: "d"},
		Connection{From: "c", To: "d"},
	))

	assert.Empty(t, p.loops)
	require.Len(t, p.stages, 1)
	sp := p.stages[0]
	require.Len(t, sp.waves, 3)

	ids := func(wave []int) []string {
		var out []string
		for _, ci := range wave {
			out = append(out, g.ids(sp.comps[ci].nodes)...)
		}
		return out
	}
	assert.Equal(t, []string{"a"}, ids(sp.waves[0]))
	assert.Equal(t, []string{"b", "c"}, ids(sp.waves[1]))
	assert.Equal(t, []string{"d"}, ids(sp.waves[2]))
	require.Len(t, sp.sinks, 1)
	assert.Equal(t, []string{"d"}, g.ids(sp.comps[sp.sinks[0]].nodes))
}

func TestPlan_SelfLoop(t *testing.T) {
	t.Parallel()

	_, p := planFor(t, selfLoopDef(LoopConfig{}))

	require.Len(t, p.order, 1)
	r := p.order[0]
	assert.Equal(t, "n", r.Entry)
	assert.Equal(t, []string{"n"}, r.Nodes)
	assert.Equal(t, []string{"n"}, r.Terminals)
	assert.NotEmpty(t, r.ID)
	assert.Same(t, r, p.loops[r.ID])
}

func TestPlan_EntryIsNodeWithExternalInput(t *testing.T) {
	t.Parallel()

	// x -> c; a -> b -> c -> a
	_, p := planFor(t, oneStage(
		[]WorkflowNode{fnNode("x", "trim"), fnNode("a", "trim"), fnNode("b", "trim"), fnNode("c", "trim")},
		Connection{From: "x", To: "c"},
		Connection{From: "a", To: "b"},
		Connection{From: "b", To: "c"},
		Connection{From: "c", To: "a"},
	))

	require.Len(t, p.order, 1)
	r := p.order[0]
	assert.Equal(t, "c", r.Entry)
	assert.Equal(t, []string{"c", "a", "b"}, r.Nodes)
	assert.Equal(t, []string{"b"}, r.Terminals)
}

func TestPlan_NestedCycleFallsBackToDeclarationOrder(t *testing.T) {
	t.Parallel()

	// a -> b -> c -> a plus the inner cycle b <-> c
	_, p := planFor(t, oneStage(
		[]WorkflowNode{fnNode("a", "trim"), fnNode("b", "trim"), fnNode("c", "trim")},
		Connection{From: "a", To: "b"},
		Connection{From: "b", To: "c"},
		Connection{From: "c", To: "b"},
		Connection{From: "c", To: "a"},
	))

	require.Len(t, p.order, 1)
	r := p.order[0]
	assert.Equal(t, "a", r.Entry)
	assert.Equal(t, []string{"a", "b", "c"}, r.Nodes)
	assert.Equal(t, []string{"c"}, r.Terminals)
}

func TestPlan_TwoIndependentLoopsShareAWave(t *testing.T) {
	t.Parallel()

	g, p := planFor(t, oneStage(
		[]WorkflowNode{fnNode("a", "trim"), fnNode("b", "trim"), fnNode("join", "trim")},
		Connection{From: "a", To: "a"},
		Connection{From: "b", To: "b"},
		Connection{From: "a", To: "join"},
		Connection{From: "b", To: "join"},
	))

	assert.Len(t, p.loops, 2)
	sp := p.stages[0]
	require.Len(t, sp.waves, 2)
	assert.Len(t, sp.waves[0], 2)
	assert.Equal(t, []string{"join"}, g.ids(sp.comps[sp.waves[1][0]].nodes))
}

func TestPlan_CrossStageEdgesDoNotFormLoops(t *testing.T) {
	t.Parallel()

	def := &Definition{
		ID:   "wf",
		Name: "stages",
		Stages: []StageDefinition{
			{ID: "s1", Nodes: []WorkflowNode{fnNode("a", "trim")}},
			{ID: "s2", Nodes: []WorkflowNode{fnNode("b", "trim")}},
		},
		Connections: []Connection{{From: "a", To: "b"}},
	}
	_, p := planFor(t, def)
	assert.Empty(t, p.loops)
	assert.Len(t, p.stages, 2)
}

func TestNewGraph_DeduplicatesParallelEdges(t *testing.T) {
	t.Parallel()

	g, err := NewGraph(oneStage(
		[]WorkflowNode{fnNode("a", "trim"), fnNode("b", "trim")},
		Connection{From: "a", To: "b", Port: "left"},
		Connection{From: "a", To: "b", Port: "right"},
	))
	require.NoError(t, err)

	a, ok := g.Node("a")
	require.True(t, ok)
	assert.Len(t, g.Successors(a.Index()), 1)
	assert.Len(t, g.nodes, 2)
}
