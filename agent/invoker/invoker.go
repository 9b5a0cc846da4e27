package invoker

import (
	"context"
	"strconv"
	"strings"

	"github.com/BaSui01/loopflow/types"
)

// NoOutputPlaceholder is reported when the remote side succeeds without content.
const NoOutputPlaceholder = "No output generated"

// ToolConfig configures one tool made available to the agent.
type ToolConfig struct {
	ToolID string         `json:"toolId" yaml:"tool_id"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// KnowledgeDocument is a text document attached to the agent's context.
type KnowledgeDocument struct {
	Filename string `json:"filename" yaml:"filename"`
	Content  string `json:"content" yaml:"content"`
}

// Request is the payload sent to the remote agent execution service.
// Prompts must already be rendered (see RenderPrompt).
type Request struct {
	SystemPrompt       string              `json:"systemPrompt"`
	UserPrompt         string              `json:"userPrompt"`
	Tools              []ToolConfig        `json:"tools"`
	Images             []string            `json:"images,omitempty"`
	KnowledgeDocuments []KnowledgeDocument `json:"knowledgeDocuments,omitempty"`
}

// Validate rejects requests that can never succeed. The error is a fatal
// NODE_CONFIG error and must not be retried.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.SystemPrompt) == "" {
		return types.NewNodeConfigError("system prompt is empty")
	}
	if strings.TrimSpace(r.UserPrompt) == "" {
		return types.NewNodeConfigError("user prompt is empty")
	}
	for i, tool := range r.Tools {
		if strings.TrimSpace(tool.ToolID) == "" {
			return types.NewNodeConfigError("tool at index " + strconv.Itoa(i) + " has no toolId")
		}
	}
	return nil
}

// ToolOutput is one tool result reported by the remote side.
type ToolOutput struct {
	ToolID   string `json:"toolId"`
	ToolName string `json:"toolName,omitempty"`
	Output   string `json:"output"`
}

// ExecutionResult is the outcome of one Invoke call. It is immutable once returned.
type ExecutionResult struct {
	Success     bool         `json:"success"`
	Output      string       `json:"output,omitempty"`
	ToolOutputs []ToolOutput `json:"toolOutputs,omitempty"`
	Error       string       `json:"error,omitempty"`

	// Retryable and Code classify failures for the retry layer.
	Retryable bool            `json:"retryable,omitempty"`
	Code      types.ErrorCode `json:"code,omitempty"`
}

// Err converts a failed result into a structured error; nil on success.
func (r ExecutionResult) Err() error {
	if r.Success {
		return nil
	}
	code := r.Code
	if code == "" {
		code = types.ErrNodeFailed
	}
	return types.NewError(code, r.Error).WithRetryable(r.Retryable)
}

// Succeeded builds a successful result, substituting the placeholder for empty output.
func Succeeded(output string, tools []ToolOutput) ExecutionResult {
	if output == "" {
		output = NoOutputPlaceholder
	}
	if tools == nil {
		tools = []ToolOutput{}
	}
	return ExecutionResult{Success: true, Output: output, ToolOutputs: tools}
}

// Failed builds a failed result from err, keeping its classification.
func Failed(err error) ExecutionResult {
	res := ExecutionResult{Success: false, Error: err.Error(), Code: types.ErrNodeFailed}
	if e, ok := types.AsError(err); ok {
		res.Code = e.Code
		res.Retryable = e.Retryable
		res.Error = e.Message
		if e.Cause != nil {
			res.Error = e.Message + ": " + e.Cause.Error()
		}
	}
	return res
}

// Invoker executes one agent node remotely.
type Invoker interface {
	Invoke(ctx context.Context, req Request) ExecutionResult
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) ExecutionResult

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) ExecutionResult {
	return f(ctx, req)
}

// RenderPrompt substitutes the {input} and {prompt} placeholders.
// input is the upstream node output, prompt the run's global input.
func RenderPrompt(template, input, prompt string) string {
	return strings.NewReplacer("{input}", input, "{prompt}", prompt).Replace(template)
}
