package workflow

import (
	"sync"
	"time"
)

// ExecutionStatus represents the status of a recorded node execution
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// NodeExecution records one execution of a node
type NodeExecution struct {
	NodeID    string          `json:"node_id"`
	Kind      NodeKind        `json:"kind"`
	LoopID    string          `json:"loop_id,omitempty"`
	Iteration int             `json:"iteration,omitempty"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Duration  time.Duration   `json:"duration"`
	Status    ExecutionStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// ExecutionHistory records the execution path of a run in order
type ExecutionHistory struct {
	mu    sync.RWMutex
	nodes []*NodeExecution
}

// NewExecutionHistory creates an empty history
func NewExecutionHistory() *ExecutionHistory {
	return &ExecutionHistory{nodes: make([]*NodeExecution, 0)}
}

// RecordNodeStart records the start of a node execution
func (h *ExecutionHistory) RecordNodeStart(nodeID string, kind NodeKind, loopID string, iteration int) *NodeExecution {
	h.mu.Lock()
	defer h.mu.Unlock()

	exec := &NodeExecution{
		NodeID:    nodeID,
		Kind:      kind,
		LoopID:    loopID,
		Iteration: iteration,
		StartTime: time.Now(),
		Status:    ExecutionStatusRunning,
	}
	h.nodes = append(h.nodes, exec)
	return exec
}

// RecordNodeEnd records the end of a node execution
func (h *ExecutionHistory) RecordNodeEnd(exec *NodeExecution, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	exec.EndTime = time.Now()
	exec.Duration = exec.EndTime.Sub(exec.StartTime)
	if err != nil {
		exec.Status = ExecutionStatusFailed
		exec.Error = err.Error()
	} else {
		exec.Status = ExecutionStatusCompleted
	}
}

// Nodes returns a copy of all recorded executions
func (h *ExecutionHistory) Nodes() []NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]NodeExecution, len(h.nodes))
	for i, n := range h.nodes {
		out[i] = *n
	}
	return out
}

// CountNode returns how many times a node was executed
func (h *ExecutionHistory) CountNode(nodeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, n := range h.nodes {
		if n.NodeID == nodeID {
			count++
		}
	}
	return count
}
