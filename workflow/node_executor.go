package workflow

import (
	"context"
	"fmt"

	"github.com/BaSui01/loopflow/agent/invoker"
	"github.com/BaSui01/loopflow/types"
)

// NodeInput carries the data a node executes on
type NodeInput struct {
	// Input is the node's upstream data, substituted for {input}
	Input string
	// Prompt is the run's global input, substituted for {prompt}
	Prompt    string
	LoopID    string
	Iteration int
}

// NodeResult is the successful outcome of a node execution
type NodeResult struct {
	Output      string
	ToolOutputs []invoker.ToolOutput
}

// NodeExecutor executes nodes of one kind
type NodeExecutor interface {
	Execute(ctx context.Context, node *Node, in NodeInput) (NodeResult, error)
}

// NodeExecutorFunc adapts a function to NodeExecutor
type NodeExecutorFunc func(ctx context.Context, node *Node, in NodeInput) (NodeResult, error)

// Execute calls f
func (f NodeExecutorFunc) Execute(ctx context.Context, node *Node, in NodeInput) (NodeResult, error) {
	return f(ctx, node, in)
}

// AgentExecutor runs agent nodes through an Invoker
type AgentExecutor struct {
	Invoker invoker.Invoker
}

// Execute renders the prompts and invokes the agent
func (e *AgentExecutor) Execute(ctx context.Context, node *Node, in NodeInput) (NodeResult, error) {
	cfg := node.Agent
	if cfg == nil {
		return NodeResult{}, types.NewNodeConfigError("agent node has no agent config")
	}
	if e.Invoker == nil {
		return NodeResult{}, types.NewNodeConfigError("no agent invoker configured")
	}

	req := invoker.Request{
		SystemPrompt:       invoker.RenderPrompt(cfg.SystemPrompt, in.Input, in.Prompt),
		UserPrompt:         invoker.RenderPrompt(cfg.UserPrompt, in.Input, in.Prompt),
		Tools:              cfg.Tools,
		Images:             cfg.Images,
		KnowledgeDocuments: cfg.KnowledgeDocuments,
	}
	res := e.Invoker.Invoke(ctx, req)
	if !res.Success {
		return NodeResult{}, res.Err()
	}
	return NodeResult{Output: res.Output, ToolOutputs: res.ToolOutputs}, nil
}

// FunctionExecutor runs function nodes from a registry
type FunctionExecutor struct {
	Registry *FunctionRegistry
}

// Execute looks up and calls the configured function
func (e *FunctionExecutor) Execute(ctx context.Context, node *Node, in NodeInput) (NodeResult, error) {
	cfg := node.Function
	if cfg == nil {
		return NodeResult{}, types.NewNodeConfigError("function node has no function config")
	}
	fn, ok := e.Registry.Get(cfg.Function)
	if !ok {
		return NodeResult{}, types.NewNodeConfigError(fmt.Sprintf("unknown function %q", cfg.Function))
	}
	out, err := fn(ctx, FunctionCall{Input: in.Input, Prompt: in.Prompt, Args: cfg.Args})
	if err != nil {
		return NodeResult{}, types.WrapError(err, types.ErrNodeFailed, "function "+cfg.Function+" failed")
	}
	return NodeResult{Output: out}, nil
}

// ToolExecutor runs tool nodes from a registry
type ToolExecutor struct {
	Registry *ToolRegistry
}

// Execute looks up and calls the configured tool
func (e *ToolExecutor) Execute(ctx context.Context, node *Node, in NodeInput) (NodeResult, error) {
	cfg := node.Tool
	if cfg == nil {
		return NodeResult{}, types.NewNodeConfigError("tool node has no tool config")
	}
	tool, ok := e.Registry.Get(cfg.ToolID)
	if !ok {
		return NodeResult{}, types.NewNodeConfigError(fmt.Sprintf("unknown tool %q", cfg.ToolID))
	}
	out, err := tool(ctx, in.Input, cfg.Config)
	if err != nil {
		return NodeResult{}, types.WrapError(err, types.ErrNodeFailed, "tool "+cfg.ToolID+" failed")
	}
	return NodeResult{
		Output:      out,
		ToolOutputs: []invoker.ToolOutput{{ToolID: cfg.ToolID, ToolName: node.DisplayName(), Output: out}},
	}, nil
}

// Executors maps node kinds to their executors
type Executors map[NodeKind]NodeExecutor

// DefaultExecutors wires the three kinds. inv may be nil when the workflow
// has no agent nodes.
func DefaultExecutors(inv invoker.Invoker, functions *FunctionRegistry, tools *ToolRegistry) Executors {
	if functions == nil {
		functions = NewFunctionRegistry()
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return Executors{
		NodeKindAgent:    &AgentExecutor{Invoker: inv},
		NodeKindFunction: &FunctionExecutor{Registry: functions},
		NodeKindTool:     &ToolExecutor{Registry: tools},
	}
}
