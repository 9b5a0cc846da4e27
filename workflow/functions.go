package workflow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BaSui01/loopflow/agent/invoker"
	"github.com/BaSui01/loopflow/types"
)

// FunctionCall is the input of a function node
type FunctionCall struct {
	Input  string
	Prompt string
	Args   map[string]string
}

// Function is a deterministic local transformation
type Function func(ctx context.Context, call FunctionCall) (string, error)

// FunctionRegistry maps function names to implementations
type FunctionRegistry struct {
	mu  sync.RWMutex
	fns map[string]Function
}

// NewFunctionRegistry creates a registry preloaded with the builtins
func NewFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{fns: make(map[string]Function)}
	for name, fn := range builtinFunctions() {
		r.fns[name] = fn
	}
	return r
}

// Register adds or replaces a function
func (r *FunctionRegistry) Register(name string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

// Get looks up a function by name
func (r *FunctionRegistry) Get(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns the registered names in sorted order
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func builtinFunctions() map[string]Function {
	pure := func(f func(string) string) Function {
		return func(_ context.Context, call FunctionCall) (string, error) {
			return f(call.Input), nil
		}
	}
	return map[string]Function{
		"passthrough": pure(func(s string) string { return s }),
		"uppercase":   pure(strings.ToUpper),
		"lowercase":   pure(strings.ToLower),
		"trim":        pure(strings.TrimSpace),
		"template": func(_ context.Context, call FunctionCall) (string, error) {
			tmpl, ok := call.Args["template"]
			if !ok {
				return "", types.NewNodeConfigError("template function requires the template arg")
			}
			return invoker.RenderPrompt(tmpl, call.Input, call.Prompt), nil
		},
		"prepend": func(_ context.Context, call FunctionCall) (string, error) {
			return call.Args["prefix"] + call.Input, nil
		},
		"append": func(_ context.Context, call FunctionCall) (string, error) {
			return call.Input + call.Args["suffix"], nil
		},
		"replace": func(_ context.Context, call FunctionCall) (string, error) {
			old := call.Args["old"]
			if old == "" {
				return "", types.NewNodeConfigError("replace function requires a non-empty old arg")
			}
			return strings.ReplaceAll(call.Input, old, call.Args["new"]), nil
		},
		"truncate": func(_ context.Context, call FunctionCall) (string, error) {
			n, err := strconv.Atoi(call.Args["max"])
			if err != nil || n < 0 {
				return "", types.NewNodeConfigError(fmt.Sprintf("truncate function: invalid max %q", call.Args["max"]))
			}
			runes := []rune(call.Input)
			if len(runes) <= n {
				return call.Input, nil
			}
			return string(runes[:n]), nil
		},
		"constant": func(_ context.Context, call FunctionCall) (string, error) {
			return call.Args["value"], nil
		},
	}
}

// Tool is an externally registered capability invoked by tool nodes
type Tool func(ctx context.Context, input string, config map[string]any) (string, error)

// ToolRegistry maps tool IDs to implementations
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a registry with the echo tool
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]Tool{
		"echo": func(_ context.Context, input string, _ map[string]any) (string, error) {
			return input, nil
		},
	}}
}

// Register adds or replaces a tool
func (r *ToolRegistry) Register(id string, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[id] = tool
}

// Get looks up a tool by ID
func (r *ToolRegistry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}
