package workflow

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/loopflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_ConvergesOnRepeatedOutput(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 3}),
		map[string]Function{"step": sequence("X")}, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "start")
	require.NoError(t, err)

	loop := onlyLoop(t, res)
	assert.Equal(t, LoopConverged, loop.Status)
	assert.Equal(t, ReasonConverged, loop.StopReason)
	assert.Equal(t, []string{"X", "X"}, loop.History)
	assert.Equal(t, 2, loop.CurrentIteration)
	assert.Equal(t, 1.0, loop.Similarity)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, "X", res.Output)
}

func TestLoop_MaxedOutWithoutConvergence(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 2}),
		map[string]Function{"step": unique()}, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "start")
	require.NoError(t, err)

	loop := onlyLoop(t, res)
	assert.Equal(t, LoopMaxedOut, loop.Status)
	assert.Equal(t, ReasonMaxIterations, loop.StopReason)
	assert.Len(t, loop.History, 2)
	assert.Equal(t, 2, loop.CurrentIteration)
}

func TestLoop_ZeroTimeoutStopsAfterFirstIteration(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 5, TimeoutMs: int64Ptr(0)}),
		map[string]Function{"step": unique()}, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "start")
	require.NoError(t, err)

	loop := onlyLoop(t, res)
	assert.Equal(t, LoopTimedOut, loop.Status)
	assert.Len(t, loop.History, 1)
	require.NotNil(t, loop.EstimatedRemainingMs)
	assert.Equal(t, int64(0), *loop.EstimatedRemainingMs)
}

func TestLoop_NodeFailureStopsLoopWithError(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 3}),
		map[string]Function{"step": failOnCall(2)}, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "start")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrLoopFailed))

	loop := onlyLoop(t, res)
	assert.Equal(t, LoopError, loop.Status)
	assert.Equal(t, ReasonNodeFailure, loop.StopReason)
	assert.Len(t, loop.History, 1)
	assert.Contains(t, loop.Error, "remote agent unavailable")
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, 2, coord.rt.history.CountNode("n"))

	node := res.Nodes[0]
	assert.Equal(t, NodeError, node.Status)
}

func TestLoop_OscillationIsReportedWithoutStopping(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 4}),
		map[string]Function{"step": sequence("A", "B", "A", "B")}, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "start")
	require.NoError(t, err)

	loop := onlyLoop(t, res)
	assert.Equal(t, LoopMaxedOut, loop.Status)
	assert.Equal(t, []string{"A", "B", "A", "B"}, loop.History)
	assert.True(t, loop.Oscillating)
	assert.Less(t, loop.Similarity, DefaultConvergenceThreshold)
}

func TestLoop_StopOnOscillation(t *testing.T) {
	t.Parallel()

	lc := LoopConfig{MaxIterations: 10, StopOnOscillation: boolPtr(true)}
	coord := newTestCoordinator(t, selfLoopDef(lc),
		map[string]Function{"step": sequence("A", "B", "A", "B", "A")}, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "start")
	require.NoError(t, err)

	loop := onlyLoop(t, res)
	assert.Equal(t, LoopConverged, loop.Status)
	assert.Equal(t, ReasonOscillating, loop.StopReason)
	assert.Len(t, loop.History, 3)
}

func TestLoop_ForceStopDuringIterationCompletesIt(t *testing.T) {
	t.Parallel()

	var coord *Coordinator
	var calls atomic.Int64
	step := func(context.Context, FunctionCall) (string, error) {
		if calls.Add(1) == 3 {
			loopID := coord.Regions()[0].ID
			coord.ForceStop(loopID)
			coord.ForceStop(loopID)
		}
		return randomText(), nil
	}
	coord = newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 10}),
		map[string]Function{"step": step}, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "start")
	require.NoError(t, err)

	loop := onlyLoop(t, res)
	assert.Equal(t, LoopForceStopped, loop.Status)
	assert.Equal(t, ReasonForceStop, loop.StopReason)
	assert.Len(t, loop.History, 3)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, RunCompleted, res.Status)
}

func TestLoop_ForceStopTakesPriorityOverMaxIterations(t *testing.T) {
	t.Parallel()

	var coord *Coordinator
	var calls atomic.Int64
	step := func(context.Context, FunctionCall) (string, error) {
		if calls.Add(1) == 2 {
			coord.ForceStop(coord.Regions()[0].ID)
		}
		return "same", nil
	}
	coord = newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 2}),
		map[string]Function{"step": step}, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "start")
	require.NoError(t, err)

	// Iteration 2 hits the limit and converges too; force-stop wins.
	loop := onlyLoop(t, res)
	assert.Equal(t, LoopForceStopped, loop.Status)
	assert.Len(t, loop.History, 2)
}

func TestLoop_ForceStopBeforeStart(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	step := func(context.Context, FunctionCall) (string, error) {
		calls.Add(1)
		return "x", nil
	}
	coord := newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 3}),
		map[string]Function{"step": step}, DefaultEngineConfig())

	assert.True(t, coord.ForceStop(coord.Regions()[0].ID))
	res, err := coord.Run(context.Background(), "start")
	require.NoError(t, err)

	loop := onlyLoop(t, res)
	assert.Equal(t, LoopForceStopped, loop.Status)
	assert.Empty(t, loop.History)
	assert.Equal(t, 0, loop.CurrentIteration)
	assert.Zero(t, calls.Load())
}

func TestLoop_ForceStopUnknownIDIsNoop(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 3}),
		map[string]Function{"step": sequence("X")}, DefaultEngineConfig())

	assert.False(t, coord.ForceStop("no-such-loop"))
	res, err := coord.Run(context.Background(), "start")
	require.NoError(t, err)
	assert.Equal(t, LoopConverged, onlyLoop(t, res).Status)
	assert.False(t, coord.ForceStop("no-such-loop"))
}

func TestLoop_FeedbackReachesEntryNode(t *testing.T) {
	t.Parallel()

	var inputs []string
	step := func(_ context.Context, call FunctionCall) (string, error) {
		inputs = append(inputs, call.Input)
		return call.Input + "+", nil
	}
	coord := newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 3}),
		map[string]Function{"step": step}, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "seed")
	require.NoError(t, err)

	assert.Equal(t, []string{"seed", "seed+", "seed++"}, inputs)
	assert.Equal(t, []string{"seed+", "seed++", "seed+++"}, onlyLoop(t, res).History)
}

func TestLoop_MultiNodeBodyAndDownstream(t *testing.T) {
	t.Parallel()

	def := &Definition{
		ID:   "wf-refine",
		Name: "draft and review",
		Stages: []StageDefinition{{
			ID: "s1",
			Nodes: []WorkflowNode{
				argNode("seed", "constant", map[string]string{"value": "seed"}),
				argNode("draft", "append", map[string]string{"suffix": "a"}),
				argNode("review", "append", map[string]string{"suffix": "b"}),
				fnNode("publish", "uppercase"),
			},
		}},
		Connections: []Connection{
			{From: "seed", To: "draft"},
			{From: "draft", To: "review"},
			{From: "review", To: "draft"},
			{From: "review", To: "publish"},
		},
		Loops: map[string]LoopConfig{"draft": {MaxIterations: 2}},
	}
	coord := newTestCoordinator(t, def, nil, DefaultEngineConfig())

	regions := coord.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, "draft", regions[0].Entry)
	assert.Equal(t, []string{"draft", "review"}, regions[0].Nodes)
	assert.Equal(t, []string{"review"}, regions[0].Terminals)

	res, err := coord.Run(context.Background(), "ignored")
	require.NoError(t, err)

	loop := onlyLoop(t, res)
	assert.Equal(t, []string{"seedab", "seedabab"}, loop.History)
	assert.Equal(t, LoopMaxedOut, loop.Status)
	assert.Equal(t, "SEEDABAB", res.Output)
}

func TestLoop_AggregatesMultipleTerminals(t *testing.T) {
	t.Parallel()

	def := &Definition{
		ID:   "wf-two-terminals",
		Name: "fan back",
		Stages: []StageDefinition{{
			ID: "s1",
			Nodes: []WorkflowNode{
				fnNode("entry", "passthrough"),
				argNode("left", "constant", map[string]string{"value": "L"}),
				argNode("right", "constant", map[string]string{"value": "R"}),
			},
		}},
		Connections: []Connection{
			{From: "entry", To: "left"},
			{From: "entry", To: "right"},
			{From: "left", To: "entry"},
			{From: "right", To: "entry"},
		},
		Loops: map[string]LoopConfig{"entry": {MaxIterations: 5}},
	}
	coord := newTestCoordinator(t, def, nil, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "go")
	require.NoError(t, err)

	loop := onlyLoop(t, res)
	assert.Equal(t, []string{"L\n\nR", "L\n\nR"}, loop.History)
	assert.Equal(t, LoopConverged, loop.Status)
}

func TestLoop_DesignatedTerminalNode(t *testing.T) {
	t.Parallel()

	def := &Definition{
		ID:   "wf-designated",
		Name: "designated terminal",
		Stages: []StageDefinition{{
			ID: "s1",
			Nodes: []WorkflowNode{
				fnNode("entry", "passthrough"),
				argNode("left", "constant", map[string]string{"value": "L"}),
				argNode("right", "constant", map[string]string{"value": "R"}),
			},
		}},
		Connections: []Connection{
			{From: "entry", To: "left"},
			{From: "entry", To: "right"},
			{From: "left", To: "entry"},
			{From: "right", To: "entry"},
		},
		Loops: map[string]LoopConfig{"left": {MaxIterations: 5, TerminalNode: "right"}},
	}
	coord := newTestCoordinator(t, def, nil, DefaultEngineConfig())

	res, err := coord.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, []string{"R", "R"}, onlyLoop(t, res).History)
}

func TestLoop_CancelledContextStopsAtBoundary(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	step := func(context.Context, FunctionCall) (string, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		return randomText(), nil
	}
	coord := newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 10}),
		map[string]Function{"step": step}, DefaultEngineConfig())

	res, err := coord.Run(ctx, "start")
	require.NoError(t, err)

	loop := onlyLoop(t, res)
	assert.Equal(t, LoopForceStopped, loop.Status)
	assert.Equal(t, ReasonCancelled, loop.StopReason)
	assert.Len(t, loop.History, 2)
	assert.Equal(t, RunStopped, res.Status)
}

func TestLoop_EmitsOneTerminalLoopEvent(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, selfLoopDef(LoopConfig{MaxIterations: 3}),
		map[string]Function{"step": unique()}, DefaultEngineConfig())
	events, cancel := coord.Events().Subscribe(1024)
	defer cancel()

	_, err := coord.Run(context.Background(), "start")
	require.NoError(t, err)
	coord.Events().Close()

	terminal := 0
	iterations := []int{}
	for e := range events {
		if e.Kind != EventLoop {
			continue
		}
		iterations = append(iterations, e.Loop.CurrentIteration)
		if e.Loop.Status.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.IsNonDecreasing(t, iterations)
}
