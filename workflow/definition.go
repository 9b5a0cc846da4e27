package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BaSui01/loopflow/agent/invoker"
	"github.com/BaSui01/loopflow/types"
	"gopkg.in/yaml.v3"
)

// NodeKind represents the kind of a workflow node
type NodeKind string

const (
	// NodeKindAgent invokes a remote agent
	NodeKindAgent NodeKind = "agent"
	// NodeKindFunction runs a registered builtin function
	NodeKindFunction NodeKind = "function"
	// NodeKindTool runs a registered tool
	NodeKindTool NodeKind = "tool"
)

// Valid reports whether the kind is known
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindAgent, NodeKindFunction, NodeKindTool:
		return true
	}
	return false
}

// AgentConfig configures an agent node. Prompts may contain {input} and {prompt}.
type AgentConfig struct {
	SystemPrompt       string                      `json:"system_prompt" yaml:"system_prompt"`
	UserPrompt         string                      `json:"user_prompt" yaml:"user_prompt"`
	Tools              []invoker.ToolConfig        `json:"tools,omitempty" yaml:"tools,omitempty"`
	Images             []string                    `json:"images,omitempty" yaml:"images,omitempty"`
	KnowledgeDocuments []invoker.KnowledgeDocument `json:"knowledge_documents,omitempty" yaml:"knowledge_documents,omitempty"`
}

// FunctionConfig configures a function node
type FunctionConfig struct {
	Function string            `json:"function" yaml:"function"`
	Args     map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// ToolNodeConfig configures a tool node
type ToolNodeConfig struct {
	ToolID string         `json:"tool_id" yaml:"tool_id"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// WorkflowNode is the declarative form of a node. Exactly one of Agent,
// Function or Tool is set, matching Kind.
type WorkflowNode struct {
	ID       string          `json:"id" yaml:"id"`
	Kind     NodeKind        `json:"kind" yaml:"kind"`
	Name     string          `json:"name,omitempty" yaml:"name,omitempty"`
	Agent    *AgentConfig    `json:"agent,omitempty" yaml:"agent,omitempty"`
	Function *FunctionConfig `json:"function,omitempty" yaml:"function,omitempty"`
	Tool     *ToolNodeConfig `json:"tool,omitempty" yaml:"tool,omitempty"`
}

// DisplayName returns Name, falling back to ID
func (n WorkflowNode) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// StageDefinition is an ordered group of nodes
type StageDefinition struct {
	ID    string         `json:"id" yaml:"id"`
	Name  string         `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []WorkflowNode `json:"nodes" yaml:"nodes"`
}

// Connection is a directed edge between two nodes. Cycles are allowed.
type Connection struct {
	From string `json:"from_node_id" yaml:"from_node_id"`
	To   string `json:"to_node_id" yaml:"to_node_id"`
	Port string `json:"port,omitempty" yaml:"port,omitempty"`
}

// connectionFields accepts the snake_case, camelCase and short spellings of
// the endpoints.
type connectionFields struct {
	FromNodeID string `json:"from_node_id" yaml:"from_node_id"`
	FromCamel  string `json:"fromNodeId" yaml:"fromNodeId"`
	FromShort  string `json:"from" yaml:"from"`
	ToNodeID   string `json:"to_node_id" yaml:"to_node_id"`
	ToCamel    string `json:"toNodeId" yaml:"toNodeId"`
	ToShort    string `json:"to" yaml:"to"`
	Port       string `json:"port" yaml:"port"`
}

func (f connectionFields) connection() Connection {
	return Connection{
		From: firstNonEmpty(f.FromNodeID, f.FromCamel, f.FromShort),
		To:   firstNonEmpty(f.ToNodeID, f.ToCamel, f.ToShort),
		Port: f.Port,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Connection) UnmarshalJSON(data []byte) error {
	var f connectionFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*c = f.connection()
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (c *Connection) UnmarshalYAML(node *yaml.Node) error {
	var f connectionFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	*c = f.connection()
	return nil
}

// LoopConfig overrides engine defaults for one loop region. It is keyed in
// Definition.Loops by the ID of any node inside the region.
type LoopConfig struct {
	MaxIterations        int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	TimeoutMs            *int64   `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	TerminalNode         string   `json:"terminal_node,omitempty" yaml:"terminal_node,omitempty"`
	ConvergenceThreshold *float64 `json:"convergence_threshold,omitempty" yaml:"convergence_threshold,omitempty"`
	StopOnOscillation    *bool    `json:"stop_on_oscillation,omitempty" yaml:"stop_on_oscillation,omitempty"`
}

// Definition is the serializable form of a workflow
type Definition struct {
	ID          string                `json:"id" yaml:"id"`
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []StageDefinition     `json:"stages" yaml:"stages"`
	Connections []Connection          `json:"connections,omitempty" yaml:"connections,omitempty"`
	Loops       map[string]LoopConfig `json:"loops,omitempty" yaml:"loops,omitempty"`
	Metadata    map[string]any        `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks structural integrity. All problems are reported together.
func (d *Definition) Validate() error {
	var errs []error

	if len(d.Stages) == 0 {
		errs = append(errs, errors.New("at least one stage is required"))
	}

	stageOf := make(map[string]int)
	for si, stage := range d.Stages {
		if len(stage.Nodes) == 0 {
			errs = append(errs, fmt.Errorf("stage %d (%s) has no nodes", si, stage.ID))
		}
		for _, node := range stage.Nodes {
			if node.ID == "" {
				errs = append(errs, fmt.Errorf("stage %d (%s): node ID is required", si, stage.ID))
				continue
			}
			if _, dup := stageOf[node.ID]; dup {
				errs = append(errs, fmt.Errorf("duplicate node ID: %s", node.ID))
				continue
			}
			stageOf[node.ID] = si
			errs = append(errs, validateNode(node)...)
		}
	}

	for i, conn := range d.Connections {
		from, okFrom := stageOf[conn.From]
		to, okTo := stageOf[conn.To]
		if !okFrom {
			errs = append(errs, fmt.Errorf("connection %d: source node %q does not exist", i, conn.From))
		}
		if !okTo {
			errs = append(errs, fmt.Errorf("connection %d: target node %q does not exist", i, conn.To))
		}
		if okFrom && okTo && from > to {
			errs = append(errs, fmt.Errorf("connection %d: %s -> %s points to an earlier stage", i, conn.From, conn.To))
		}
	}

	for key, lc := range d.Loops {
		if _, ok := stageOf[key]; !ok {
			errs = append(errs, fmt.Errorf("loop config %q does not reference a known node", key))
		}
		if lc.MaxIterations < 0 {
			errs = append(errs, fmt.Errorf("loop config %q: max_iterations must not be negative", key))
		}
		if lc.TimeoutMs != nil && *lc.TimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("loop config %q: timeout_ms must not be negative", key))
		}
		if lc.ConvergenceThreshold != nil && (*lc.ConvergenceThreshold <= 0 || *lc.ConvergenceThreshold > 1) {
			errs = append(errs, fmt.Errorf("loop config %q: convergence_threshold must be in (0, 1]", key))
		}
		if lc.TerminalNode != "" {
			if _, ok := stageOf[lc.TerminalNode]; !ok {
				errs = append(errs, fmt.Errorf("loop config %q: terminal node %q does not exist", key, lc.TerminalNode))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return types.NewInvalidRequestError("invalid workflow definition").WithCause(errors.Join(errs...))
}

func validateNode(node WorkflowNode) []error {
	var errs []error
	switch node.Kind {
	case NodeKindAgent:
		if node.Agent == nil {
			return append(errs, fmt.Errorf("node %s: agent node requires agent config", node.ID))
		}
		if strings.TrimSpace(node.Agent.SystemPrompt) == "" {
			errs = append(errs, fmt.Errorf("node %s: system_prompt is required", node.ID))
		}
		if strings.TrimSpace(node.Agent.UserPrompt) == "" {
			errs = append(errs, fmt.Errorf("node %s: user_prompt is required", node.ID))
		}
		for i, tool := range node.Agent.Tools {
			if tool.ToolID == "" {
				errs = append(errs, fmt.Errorf("node %s: tool %d has no tool_id", node.ID, i))
			}
		}
	case NodeKindFunction:
		if node.Function == nil || node.Function.Function == "" {
			errs = append(errs, fmt.Errorf("node %s: function node requires function name", node.ID))
		}
	case NodeKindTool:
		if node.Tool == nil || node.Tool.ToolID == "" {
			errs = append(errs, fmt.Errorf("node %s: tool node requires tool_id", node.ID))
		}
	default:
		errs = append(errs, fmt.Errorf("node %s: invalid kind %q", node.ID, node.Kind))
	}
	return errs
}

// ToJSON serializes the definition
func (d *Definition) ToJSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// ParseDefinitionJSON decodes and validates a JSON definition
func ParseDefinitionJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, types.NewInvalidRequestError("failed to parse workflow JSON").WithCause(err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionYAML decodes and validates a YAML definition
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewInvalidRequestError("failed to parse workflow YAML").WithCause(err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile reads a definition, choosing the decoder by extension
// (.json, otherwise YAML).
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseDefinitionJSON(data)
	}
	return ParseDefinitionYAML(data)
}

// loopConfigFor returns the override keyed by any node of the region.
// Keys are checked in region order so the result is deterministic.
func (d *Definition) loopConfigFor(nodeIDs []string) (LoopConfig, bool) {
	for _, id := range nodeIDs {
		if lc, ok := d.Loops[id]; ok {
			return lc, true
		}
	}
	return LoopConfig{}, false
}
