package workflow

import (
	"time"
)

// StopDecision is the outcome of evaluating a loop's break conditions
type StopDecision struct {
	Stop   bool       `json:"stop"`
	Status LoopStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// BreakEvaluator decides whether a loop stops after an iteration.
// Rules are checked in fixed priority order:
//
//  1. force-stop requested  -> force-stopped
//  2. iteration limit       -> maxed-out
//  3. timeout elapsed       -> timed-out
//  4. outputs converged     -> converged
//  5. outputs oscillating   -> converged (only with StopOnOscillation)
type BreakEvaluator struct {
	StopOnOscillation bool
}

// Evaluate applies the rules to the loop state as of now
func (e BreakEvaluator) Evaluate(loop *LoopMetadata, info ConvergenceInfo, now time.Time) StopDecision {
	switch {
	case loop.ForceStopRequested:
		return StopDecision{Stop: true, Status: LoopForceStopped, Reason: ReasonForceStop}
	case loop.CurrentIteration >= loop.MaxIterations:
		return StopDecision{Stop: true, Status: LoopMaxedOut, Reason: ReasonMaxIterations}
	case loop.Timeout != nil && now.Sub(loop.StartTime) >= *loop.Timeout:
		return StopDecision{Stop: true, Status: LoopTimedOut, Reason: ReasonTimeout}
	case info.Converged:
		return StopDecision{Stop: true, Status: LoopConverged, Reason: ReasonConverged}
	case e.StopOnOscillation && info.Oscillating:
		return StopDecision{Stop: true, Status: LoopConverged, Reason: ReasonOscillating}
	}
	return StopDecision{Status: LoopRunning}
}

// EstimatedRemaining returns the time left before the timeout, floored at
// zero. The boolean is false when the loop has no timeout. Display only.
func EstimatedRemaining(loop *LoopMetadata, now time.Time) (time.Duration, bool) {
	if loop.Timeout == nil {
		return 0, false
	}
	remaining := *loop.Timeout - now.Sub(loop.StartTime)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
