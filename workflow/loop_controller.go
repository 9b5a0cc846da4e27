package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/loopflow/internal/ctxkeys"
	"github.com/BaSui01/loopflow/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultMaxIterations bounds a loop when neither the engine nor the loop configures it
const DefaultMaxIterations = 10

// LoopSettings are the resolved limits of one loop
type LoopSettings struct {
	MaxIterations     int
	Timeout           *time.Duration
	Threshold         float64
	OscillationLow    float64
	StopOnOscillation bool
}

// LoopController drives one loop region through its state machine:
// running -> converged | maxed-out | timed-out | force-stopped | error.
// It is the only writer of its LoopMetadata.
type LoopController struct {
	rt        *runtime
	region    *LoopRegion
	detector  *ConvergenceDetector
	evaluator BreakEvaluator
	settings  LoopSettings
	now       func() time.Time

	stopRequested atomic.Bool

	mu   sync.RWMutex
	meta LoopMetadata
}

func newLoopController(rt *runtime, region *LoopRegion, settings LoopSettings) *LoopController {
	if settings.MaxIterations < 1 {
		settings.MaxIterations = DefaultMaxIterations
	}
	return &LoopController{
		rt:        rt,
		region:    region,
		detector:  NewConvergenceDetector(settings.Threshold, settings.OscillationLow),
		evaluator: BreakEvaluator{StopOnOscillation: settings.StopOnOscillation},
		settings:  settings,
		now:       time.Now,
		meta: LoopMetadata{
			LoopID:        region.ID,
			Stage:         region.Stage,
			Nodes:         append([]string(nil), region.Nodes...),
			Entry:         region.Entry,
			Terminals:     append([]string(nil), region.Terminals...),
			MaxIterations: settings.MaxIterations,
			Timeout:       settings.Timeout,
			History:       []string{},
		},
	}
}

// ForceStop requests termination at the next iteration boundary.
// The iteration in flight completes. Calling it repeatedly has no further effect.
func (c *LoopController) ForceStop() {
	c.stopRequested.Store(true)
}

// Snapshot returns a copy of the loop state
func (c *LoopController) Snapshot() LoopSnapshot {
	c.mu.RLock()
	meta := c.meta.clone()
	c.mu.RUnlock()

	snap := LoopSnapshot{LoopMetadata: meta}
	if !meta.StartTime.IsZero() {
		if remaining, ok := EstimatedRemaining(&meta, c.now()); ok {
			ms := remaining.Milliseconds()
			snap.EstimatedRemainingMs = &ms
		}
	}
	return snap
}

// Run iterates the loop body until a break condition holds. input feeds
// the entry node on the first iteration; afterwards the entry receives the
// previous representative output. It returns the last representative
// output. An error is returned only when a node fails.
func (c *LoopController) Run(ctx context.Context, input string) (string, error) {
	ctx, span := c.rt.tracer.Start(ctx, "workflow.loop", trace.WithAttributes(
		attribute.String("workflow.run_id", c.rt.runID),
		attribute.String("workflow.loop_id", c.region.ID),
		attribute.Int("workflow.loop_size", len(c.region.body)),
	))
	defer span.End()
	ctx = ctxkeys.WithLoopID(ctx, c.region.ID)

	c.mu.Lock()
	c.meta.Status = LoopRunning
	c.meta.StartTime = c.now()
	c.mu.Unlock()

	c.rt.publishLoop(c.Snapshot())
	c.rt.log(LogRunning, "Loop %s started: %s (max %d iterations)",
		c.region.ID, strings.Join(c.region.Nodes, " -> "), c.settings.MaxIterations)

	var feedback string
	for iteration := 1; ; iteration++ {
		if c.stopRequested.Load() {
			return c.finish(span, LoopForceStopped, ReasonForceStop, nil)
		}
		if ctx.Err() != nil {
			return c.finish(span, LoopForceStopped, ReasonCancelled, nil)
		}

		outputs := make(map[int]string, len(c.region.body))
		var loopInput string
		for _, idx := range c.region.body {
			node := c.rt.graph.nodes[idx]
			var in string
			switch {
			case idx != c.region.entry:
				in = c.rt.nodeInput(idx, c.region, outputs, loopInput)
			case iteration == 1:
				in = c.rt.nodeInput(idx, c.region, outputs, input)
				loopInput = in
			default:
				in = feedback
				loopInput = in
			}

			out, err := c.rt.executeNode(ctx, node, in, c.region.ID, iteration)
			if err != nil {
				if ctx.Err() != nil {
					return c.finish(span, LoopForceStopped, ReasonCancelled, nil)
				}
				return c.finish(span, LoopError, ReasonNodeFailure, err)
			}
			outputs[idx] = out
		}

		rep := c.representative(outputs)

		// Comparison runs unlocked so snapshots and force-stop never wait on it.
		info := c.detector.Check(c.recentWith(rep))

		c.mu.Lock()
		c.meta.History = append(c.meta.History, rep)
		c.meta.CurrentIteration = iteration
		c.meta.Similarity = info.Similarity
		c.meta.Oscillating = info.Oscillating
		c.meta.ForceStopRequested = c.stopRequested.Load()
		decision := c.evaluator.Evaluate(&c.meta, info, c.now())
		c.mu.Unlock()

		c.rt.metrics.RecordLoopIteration(c.region.Stage)
		c.rt.publishLoop(c.Snapshot())
		if iteration >= 2 {
			c.rt.log(LogInfo, "Loop %s iteration %d/%d complete (similarity %.3f)",
				c.region.ID, iteration, c.settings.MaxIterations, info.Similarity)
		} else {
			c.rt.log(LogInfo, "Loop %s iteration %d/%d complete", c.region.ID, iteration, c.settings.MaxIterations)
		}

		if decision.Stop {
			return c.finish(span, decision.Status, decision.Reason, nil)
		}
		feedback = rep
	}
}

// recentWith copies the last two history entries followed by next, which is
// all Check looks at.
func (c *LoopController) recentWith(next string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.meta.History
	recent := make([]string, 0, 3)
	recent = append(recent, h[max(0, len(h)-2):]...)
	return append(recent, next)
}

// representative is the designated terminal's output, or the terminals'
// outputs joined in body order.
func (c *LoopController) representative(outputs map[int]string) string {
	if len(c.region.terminals) == 1 {
		return outputs[c.region.terminals[0]]
	}
	parts := make([]string, 0, len(c.region.terminals))
	for _, idx := range c.region.terminals {
		parts = append(parts, outputs[idx])
	}
	return strings.Join(parts, outputSeparator)
}

func (c *LoopController) finish(span trace.Span, status LoopStatus, reason string, cause error) (string, error) {
	c.mu.Lock()
	c.meta.Status = status
	c.meta.StopReason = reason
	c.meta.EndTime = c.now()
	if status == LoopForceStopped {
		c.meta.ForceStopRequested = true
	}
	if cause != nil {
		c.meta.Error = cause.Error()
	}
	iterations := c.meta.CurrentIteration
	last, _ := c.meta.LastOutput()
	c.mu.Unlock()

	c.rt.metrics.RecordLoopTerminated(string(status), reason, iterations)
	c.rt.publishLoop(c.Snapshot())
	span.SetAttributes(
		attribute.String("workflow.loop_status", string(status)),
		attribute.Int("workflow.loop_iterations", iterations),
	)

	switch status {
	case LoopConverged:
		c.rt.log(LogSuccess, "Loop %s %s after %d iterations (%s)", c.region.ID, status, iterations, reason)
	case LoopError:
		c.rt.log(LogError, "Loop %s failed in iteration %d: %v", c.region.ID, iterations+1, cause)
	default:
		c.rt.log(LogWarning, "Loop %s %s after %d iterations (%s)", c.region.ID, status, iterations, reason)
	}
	c.rt.logger.Info("loop terminated",
		zap.String("run_id", c.rt.runID),
		zap.String("loop_id", c.region.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("iterations", iterations))

	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		return last, types.NewError(types.ErrLoopFailed, fmt.Sprintf("loop %s failed", c.region.ID)).WithCause(cause)
	}
	return last, nil
}
