package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func fnNode(id, fn string) WorkflowNode {
	return WorkflowNode{ID: id, Kind: NodeKindFunction, Function: &FunctionConfig{Function: fn}}
}

func argNode(id, fn string, args map[string]string) WorkflowNode {
	return WorkflowNode{ID: id, Kind: NodeKindFunction, Function: &FunctionConfig{Function: fn, Args: args}}
}

func executorsWith(fns map[string]Function) Executors {
	reg := NewFunctionRegistry()
	for name, fn := range fns {
		reg.Register(name, fn)
	}
	return DefaultExecutors(nil, reg, nil)
}

// sequence returns outputs in order, repeating the last one
func sequence(outputs ...string) Function {
	var calls atomic.Int64
	return func(context.Context, FunctionCall) (string, error) {
		i := int(calls.Add(1)) - 1
		if i >= len(outputs) {
			i = len(outputs) - 1
		}
		return outputs[i], nil
	}
}

// unique returns a fresh random string on every call
func unique() Function {
	return func(context.Context, FunctionCall) (string, error) {
		return randomText(), nil
	}
}

// failOnCall succeeds with "ok" except on the given 1-based call
func failOnCall(n int64) Function {
	var calls atomic.Int64
	return func(context.Context, FunctionCall) (string, error) {
		if calls.Add(1) == n {
			return "", errors.New("remote agent unavailable")
		}
		return "ok", nil
	}
}

func int64Ptr(v int64) *int64 { return &v }

func boolPtr(v bool) *bool { return &v }

// selfLoopDef is one node "n" with an edge to itself
func selfLoopDef(lc LoopConfig) *Definition {
	return &Definition{
		ID:   "wf-self-loop",
		Name: "self loop",
		Stages: []StageDefinition{{
			ID:    "s1",
			Nodes: []WorkflowNode{fnNode("n", "step")},
		}},
		Connections: []Connection{{From: "n", To: "n"}},
		Loops:       map[string]LoopConfig{"n": lc},
	}
}

func newTestCoordinator(t *testing.T, def *Definition, fns map[string]Function, cfg EngineConfig) *Coordinator {
	t.Helper()
	coord, err := NewCoordinator(def, executorsWith(fns), cfg)
	require.NoError(t, err)
	return coord
}

func onlyLoop(t *testing.T, res *RunResult) LoopSnapshot {
	t.Helper()
	require.Len(t, res.Loops, 1)
	return res.Loops[0]
}

func randomText() string { return uuid.NewString() }
