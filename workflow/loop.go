package workflow

import (
	"time"
)

// LoopStatus represents the lifecycle state of a loop
type LoopStatus string

const (
	LoopRunning      LoopStatus = "running"
	LoopConverged    LoopStatus = "converged"
	LoopMaxedOut     LoopStatus = "maxed-out"
	LoopTimedOut     LoopStatus = "timed-out"
	LoopForceStopped LoopStatus = "force-stopped"
	LoopError        LoopStatus = "error"
)

// Terminal reports whether no further iterations may run
func (s LoopStatus) Terminal() bool {
	return s != LoopRunning && s != ""
}

// Stop reasons recorded alongside the terminal status
const (
	ReasonConverged     = "converged"
	ReasonOscillating   = "oscillating"
	ReasonMaxIterations = "max-iterations"
	ReasonTimeout       = "timeout"
	ReasonForceStop     = "force-stop"
	ReasonCancelled     = "cancelled"
	ReasonNodeFailure   = "node-failure"
)

// LoopMetadata is the runtime state of one loop execution. It is written
// only by the controller that owns it.
type LoopMetadata struct {
	LoopID           string         `json:"loop_id"`
	Stage            string         `json:"stage"`
	Nodes            []string       `json:"nodes"`
	Entry            string         `json:"entry"`
	Terminals        []string       `json:"terminals"`
	CurrentIteration int            `json:"current_iteration"`
	MaxIterations    int            `json:"max_iterations"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          time.Time      `json:"end_time,omitempty"`
	Timeout          *time.Duration `json:"timeout,omitempty"`
	History          []string       `json:"history"`
	Status           LoopStatus     `json:"status"`
	StopReason       string         `json:"stop_reason,omitempty"`
	Similarity       float64        `json:"similarity"`
	Oscillating      bool           `json:"oscillating"`
	Error            string         `json:"error,omitempty"`

	// ForceStopRequested is set when an external stop has been observed
	ForceStopRequested bool `json:"force_stop_requested,omitempty"`
}

// LastOutput returns the most recent representative output
func (m *LoopMetadata) LastOutput() (string, bool) {
	if len(m.History) == 0 {
		return "", false
	}
	return m.History[len(m.History)-1], true
}

// clone copies the metadata including its history
func (m *LoopMetadata) clone() LoopMetadata {
	c := *m
	c.Nodes = append([]string(nil), m.Nodes...)
	c.Terminals = append([]string(nil), m.Terminals...)
	c.History = append([]string{}, m.History...)
	if m.Timeout != nil {
		t := *m.Timeout
		c.Timeout = &t
	}
	return c
}

// LoopSnapshot is a copy of LoopMetadata with display-only derived values
type LoopSnapshot struct {
	LoopMetadata
	// EstimatedRemainingMs is absent when the loop has no timeout
	EstimatedRemainingMs *int64 `json:"estimated_remaining_ms,omitempty"`
}
