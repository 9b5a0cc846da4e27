package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/loopflow/agent/invoker"
)

// NodeStatus represents the runtime status of a node
type NodeStatus string

const (
	NodeIdle     NodeStatus = "idle"
	NodeRunning  NodeStatus = "running"
	NodeComplete NodeStatus = "complete"
	NodeError    NodeStatus = "error"
)

// NodeSnapshot is a point-in-time copy of a node's runtime state
type NodeSnapshot struct {
	NodeID      string               `json:"node_id"`
	Name        string               `json:"name"`
	Kind        NodeKind             `json:"kind"`
	Stage       string               `json:"stage"`
	Status      NodeStatus           `json:"status"`
	Output      string               `json:"output,omitempty"`
	ToolOutputs []invoker.ToolOutput `json:"tool_outputs,omitempty"`
	Error       string               `json:"error,omitempty"`
	LoopID      string               `json:"loop_id,omitempty"`
	Iteration   int                  `json:"iteration,omitempty"`
	Skipped     bool                 `json:"skipped,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Node is the runtime form of a WorkflowNode. The definition part is
// read-only; the state part is guarded for concurrent snapshot readers.
type Node struct {
	WorkflowNode
	index int
	stage int

	mu          sync.RWMutex
	status      NodeStatus
	output      string
	toolOutputs []invoker.ToolOutput
	err         string
	loopID      string
	iteration   int
	skipped     bool
	updatedAt   time.Time
}

// Index returns the node's position in the graph arena
func (n *Node) Index() int { return n.index }

// Output returns the most recent successful output
func (n *Node) Output() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.output
}

// Status returns the current runtime status
func (n *Node) Status() NodeStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func (n *Node) markRunning(loopID string, iteration int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = NodeRunning
	n.err = ""
	n.loopID = loopID
	n.iteration = iteration
	n.updatedAt = time.Now()
}

func (n *Node) markComplete(output string, tools []invoker.ToolOutput) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = NodeComplete
	n.output = output
	n.toolOutputs = tools
	n.err = ""
	n.updatedAt = time.Now()
}

func (n *Node) markError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = NodeError
	n.err = err.Error()
	n.updatedAt = time.Now()
}

func (n *Node) markSkipped() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.skipped = true
	n.updatedAt = time.Now()
}

// Snapshot copies the node's current state
func (n *Node) Snapshot(stageID string) NodeSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var tools []invoker.ToolOutput
	if len(n.toolOutputs) > 0 {
		tools = append([]invoker.ToolOutput(nil), n.toolOutputs...)
	}
	return NodeSnapshot{
		NodeID:      n.ID,
		Name:        n.DisplayName(),
		Kind:        n.Kind,
		Stage:       stageID,
		Status:      n.status,
		Output:      n.output,
		ToolOutputs: tools,
		Error:       n.err,
		LoopID:      n.loopID,
		Iteration:   n.iteration,
		Skipped:     n.skipped,
		UpdatedAt:   n.updatedAt,
	}
}

// stageInfo lists node indices of one stage in declaration order
type stageInfo struct {
	ID    string
	Name  string
	Nodes []int
}

// Graph is the explicit adjacency representation of a definition.
// Nodes live in an arena indexed by declaration order; edges are index lists.
type Graph struct {
	nodes  []*Node
	index  map[string]int
	out    [][]int
	in     [][]int
	stages []stageInfo
}

// NewGraph builds a runtime graph. The definition is expected to be valid.
func NewGraph(def *Definition) (*Graph, error) {
	g := &Graph{index: make(map[string]int)}
	for si, stage := range def.Stages {
		info := stageInfo{ID: stage.ID, Name: stage.Name}
		for _, wn := range stage.Nodes {
			if _, dup := g.index[wn.ID]; dup {
				return nil, fmt.Errorf("duplicate node ID: %s", wn.ID)
			}
			idx := len(g.nodes)
			g.index[wn.ID] = idx
			g.nodes = append(g.nodes, &Node{WorkflowNode: wn, index: idx, stage: si, status: NodeIdle})
			info.Nodes = append(info.Nodes, idx)
		}
		g.stages = append(g.stages, info)
	}

	g.out = make([][]int, len(g.nodes))
	g.in = make([][]int, len(g.nodes))
	seen := make(map[[2]int]bool)
	for _, conn := range def.Connections {
		from, ok := g.index[conn.From]
		if !ok {
			return nil, fmt.Errorf("connection source %q not found", conn.From)
		}
		to, ok := g.index[conn.To]
		if !ok {
			return nil, fmt.Errorf("connection target %q not found", conn.To)
		}
		// Parallel edges on different ports carry the same data.
		key := [2]int{from, to}
		if seen[key] {
			continue
		}
		seen[key] = true
		g.out[from] = append(g.out[from], to)
		g.in[to] = append(g.in[to], from)
	}
	return g, nil
}

// Node returns the node with the given ID
func (g *Graph) Node(id string) (*Node, bool) {
	idx, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[idx], true
}

// Successors returns the indices of nodes idx has an edge to
func (g *Graph) Successors(idx int) []int { return g.out[idx] }

// Snapshots returns a snapshot of every node in declaration order
func (g *Graph) Snapshots() []NodeSnapshot {
	out := make([]NodeSnapshot, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.Snapshot(g.stages[n.stage].ID))
	}
	return out
}

func (g *Graph) ids(indices []int) []string {
	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = g.nodes[idx].ID
	}
	return ids
}
