package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/loopflow/internal/ctxkeys"
	"github.com/BaSui01/loopflow/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FailurePolicy decides what happens after a node or loop fails
type FailurePolicy string

const (
	// FailurePolicyHalt stops the run once the failing wave has finished
	FailurePolicyHalt FailurePolicy = "halt"
	// FailurePolicyContinue keeps going and skips everything downstream of the failure
	FailurePolicyContinue FailurePolicy = "continue"
)

// EngineConfig holds the engine-wide defaults for a run
type EngineConfig struct {
	MaxIterations        int
	LoopTimeout          *time.Duration
	ConvergenceThreshold float64
	OscillationLow       float64
	StopOnOscillation    bool
	FailurePolicy        FailurePolicy
	MaxConcurrency       int
	EventBuffer          int
	MaxLogEntries        int
	// RunRetention is how long a RunManager keeps a finished run in memory.
	// Zero keeps finished runs until MaxRetainedRuns evicts them.
	RunRetention time.Duration
	// MaxRetainedRuns caps the finished runs a RunManager keeps; zero is unlimited.
	MaxRetainedRuns int
}

// DefaultEngineConfig returns the default engine configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxIterations:        DefaultMaxIterations,
		ConvergenceThreshold: DefaultConvergenceThreshold,
		OscillationLow:       DefaultOscillationLow,
		FailurePolicy:        FailurePolicyHalt,
		MaxConcurrency:       4,
		EventBuffer:          256,
		MaxLogEntries:        1000,
		RunRetention:         time.Hour,
		MaxRetainedRuns:      1000,
	}
}

// RunStatus represents the status of a run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// RunSnapshot summarizes a run
type RunSnapshot struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	Status     RunStatus `json:"status"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time,omitempty"`
}

// RunResult is the full outcome of a run
type RunResult struct {
	RunSnapshot
	Loops      []LoopSnapshot  `json:"loops"`
	Nodes      []NodeSnapshot  `json:"nodes"`
	Log        []LogEntry      `json:"log"`
	Executions []NodeExecution `json:"executions"`
}

// Coordinator executes one run of a workflow: stages in declared order,
// each stage's condensation wave by wave, loop regions through their
// controllers.
type Coordinator struct {
	def     *Definition
	cfg     EngineConfig
	logger  *zap.Logger
	metrics Metrics
	bus     *EventBus
	runID   string
	graph   *Graph
	plan    *plan
	rt      *runtime
	started atomic.Bool

	mu           sync.Mutex
	controllers  map[string]*LoopController
	pendingStops map[string]bool
	blocked      map[int]bool
	snapshot     RunSnapshot
}

// CoordinatorOption customizes a Coordinator
type CoordinatorOption func(*Coordinator)

// WithRunID sets the run ID instead of generating one
func WithRunID(id string) CoordinatorOption {
	return func(c *Coordinator) { c.runID = id }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithEventBus sets the event bus instead of creating a private one
func WithEventBus(bus *EventBus) CoordinatorOption {
	return func(c *Coordinator) { c.bus = bus }
}

// NewCoordinator validates the definition and computes the execution plan.
// Loop IDs are assigned here, so they are known before the run starts.
func NewCoordinator(def *Definition, execs Executors, cfg EngineConfig, opts ...CoordinatorOption) (*Coordinator, error) {
	if def == nil {
		return nil, types.NewInvalidRequestError("workflow definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	graph, err := NewGraph(def)
	if err != nil {
		return nil, types.NewInvalidRequestError("failed to build workflow graph").WithCause(err)
	}

	defaults := DefaultEngineConfig()
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.ConvergenceThreshold <= 0 || cfg.ConvergenceThreshold > 1 {
		cfg.ConvergenceThreshold = defaults.ConvergenceThreshold
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = defaults.MaxConcurrency
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = defaults.FailurePolicy
	}
	if cfg.EventBuffer < 1 {
		cfg.EventBuffer = defaults.EventBuffer
	}

	c := &Coordinator{
		def:          def,
		cfg:          cfg,
		graph:        graph,
		plan:         buildPlan(graph, def),
		controllers:  make(map[string]*LoopController),
		pendingStops: make(map[string]bool),
		blocked:      make(map[int]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "coordinator"), zap.String("run_id", c.runID))
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.bus == nil {
		c.bus = NewEventBus(c.metrics.RecordDroppedEvent)
	}
	c.rt = newRuntime(c.runID, "", graph, execs, c.bus, c.metrics, c.logger, cfg.MaxLogEntries)
	c.snapshot = RunSnapshot{RunID: c.runID, WorkflowID: def.ID, Status: RunRunning}
	return c, nil
}

// RunID returns the run identifier
func (c *Coordinator) RunID() string { return c.runID }

// Events returns the bus progress events are published on
func (c *Coordinator) Events() *EventBus { return c.bus }

// Regions lists the loop regions of the workflow in execution order
func (c *Coordinator) Regions() []LoopRegion {
	out := make([]LoopRegion, 0, len(c.plan.order))
	for _, r := range c.plan.order {
		out = append(out, LoopRegion{
			ID:        r.ID,
			Stage:     r.Stage,
			Entry:     r.Entry,
			Terminals: append([]string(nil), r.Terminals...),
			Nodes:     append([]string(nil), r.Nodes...),
		})
	}
	return out
}

// ForceStop asks a loop to stop at its next iteration boundary. A loop
// that has not started yet stops before its first iteration. It returns
// false for unknown loop IDs; repeated calls are harmless.
func (c *Coordinator) ForceStop(loopID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctrl, ok := c.controllers[loopID]; ok {
		ctrl.ForceStop()
		c.logger.Info("force stop requested", zap.String("loop_id", loopID))
		return true
	}
	if _, ok := c.plan.loops[loopID]; ok {
		c.pendingStops[loopID] = true
		c.logger.Info("force stop requested before loop start", zap.String("loop_id", loopID))
		return true
	}
	c.logger.Debug("force stop ignored for unknown loop", zap.String("loop_id", loopID))
	return false
}

// Loops returns snapshots of the loops that have started, in start order
func (c *Coordinator) Loops() []LoopSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]LoopSnapshot, 0, len(c.controllers))
	for _, r := range c.plan.order {
		if ctrl, ok := c.controllers[r.ID]; ok {
			out = append(out, ctrl.Snapshot())
		}
	}
	return out
}

// Snapshot returns the current run summary
func (c *Coordinator) Snapshot() RunSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Result assembles the full run state. It can be called while running.
func (c *Coordinator) Result() *RunResult {
	return &RunResult{
		RunSnapshot: c.Snapshot(),
		Loops:       c.Loops(),
		Nodes:       c.graph.Snapshots(),
		Log:         c.rt.logEntries(),
		Executions:  c.rt.history.Nodes(),
	}
}

// Run executes the workflow with input as the global prompt. It may be
// called once. The returned error describes the first failures; the
// result is returned in every case.
func (c *Coordinator) Run(ctx context.Context, input string) (*RunResult, error) {
	if !c.started.CompareAndSwap(false, true) {
		return nil, types.NewInvalidRequestError("run already started")
	}

	ctx, span := c.rt.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.run_id", c.runID),
		attribute.String("workflow.id", c.def.ID),
	))
	defer span.End()
	ctx = ctxkeys.WithRunID(ctx, c.runID)

	start := time.Now()
	c.rt.prompt = input
	c.mu.Lock()
	c.snapshot.Input = input
	c.snapshot.StartTime = start
	c.mu.Unlock()

	c.metrics.RecordRunStarted()
	c.publishRun()
	c.rt.log(LogRunning, "Run started: %s (%d stages, %d loops)", c.def.Name, len(c.plan.stages), len(c.plan.order))
	c.logger.Info("run started", zap.String("workflow_id", c.def.ID), zap.Int("loops", len(c.plan.order)))

	stageInput := input
	var runErr error
	for i := range c.plan.stages {
		if ctx.Err() != nil {
			break
		}
		sp := &c.plan.stages[i]
		out, err := c.runStage(ctx, sp, stageInput)
		stageInput = out
		if err != nil {
			runErr = errors.Join(runErr, err)
			if c.cfg.FailurePolicy != FailurePolicyContinue {
				c.rt.log(LogError, "Stage %s failed, halting run", stageLabel(sp.info))
				break
			}
			c.rt.log(LogWarning, "Stage %s failed, continuing with later stages", stageLabel(sp.info))
		}
	}

	status := RunCompleted
	switch {
	case ctx.Err() != nil:
		status = RunStopped
	case runErr != nil:
		status = RunFailed
	}

	end := time.Now()
	c.mu.Lock()
	c.snapshot.Status = status
	c.snapshot.Output = stageInput
	c.snapshot.EndTime = end
	if runErr != nil {
		c.snapshot.Error = runErr.Error()
	}
	c.mu.Unlock()

	c.metrics.RecordRun(string(status), end.Sub(start))
	span.SetAttributes(attribute.String("workflow.status", string(status)))
	switch status {
	case RunCompleted:
		c.rt.log(LogSuccess, "Run completed in %s", end.Sub(start).Round(time.Millisecond))
	case RunStopped:
		c.rt.log(LogWarning, "Run stopped: %v", ctx.Err())
	default:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		c.rt.log(LogError, "Run failed: %v", runErr)
	}
	c.logger.Info("run finished", zap.String("status", string(status)), zap.Duration("duration", end.Sub(start)))
	c.publishRun()

	return c.Result(), runErr
}

// runStage executes the stage's waves. Components of a wave run
// concurrently; the stage output joins the outputs of its sink components.
func (c *Coordinator) runStage(ctx context.Context, sp *stagePlan, input string) (string, error) {
	c.rt.log(LogInfo, "Stage %s started", stageLabel(sp.info))

	outputs := make([]string, len(sp.comps))
	var (
		errMu sync.Mutex
		errs  []error
	)

	for _, wave := range sp.waves {
		if ctx.Err() != nil {
			break
		}
		g := new(errgroup.Group)
		g.SetLimit(c.cfg.MaxConcurrency)
		for _, ci := range wave {
			comp := sp.comps[ci]
			if c.isBlocked(comp) {
				c.skip(comp)
				continue
			}
			g.Go(func() error {
				out, err := c.runComponent(ctx, comp, input)
				outputs[ci] = out
				if err != nil {
					c.block(comp)
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(errs) > 0 && c.cfg.FailurePolicy != FailurePolicyContinue {
			break
		}
	}

	parts := make([]string, 0, len(sp.sinks))
	for _, ci := range sp.sinks {
		if outputs[ci] != "" {
			parts = append(parts, outputs[ci])
		}
	}
	out := strings.Join(parts, outputSeparator)

	if len(errs) > 0 {
		return out, fmt.Errorf("stage %s: %w", stageLabel(sp.info), errors.Join(errs...))
	}
	c.rt.log(LogSuccess, "Stage %s complete", stageLabel(sp.info))
	return out, nil
}

func (c *Coordinator) runComponent(ctx context.Context, comp *component, stageInput string) (string, error) {
	if comp.loop == nil {
		idx := comp.nodes[0]
		node := c.graph.nodes[idx]
		c.rt.log(LogRunning, "Executing %s", node.DisplayName())
		out, err := c.rt.executeNode(ctx, node, c.rt.nodeInput(idx, nil, nil, stageInput), "", 0)
		if err != nil {
			c.rt.log(LogError, "%s failed: %v", node.DisplayName(), err)
			return "", err
		}
		c.rt.log(LogSuccess, "%s complete", node.DisplayName())
		return out, nil
	}

	ctrl := newLoopController(c.rt, comp.loop, c.loopSettings(comp.loop))
	c.mu.Lock()
	if c.pendingStops[comp.loop.ID] {
		ctrl.ForceStop()
		delete(c.pendingStops, comp.loop.ID)
	}
	c.controllers[comp.loop.ID] = ctrl
	c.mu.Unlock()

	return ctrl.Run(ctx, stageInput)
}

// loopSettings merges the engine defaults with the region's LoopConfig
func (c *Coordinator) loopSettings(region *LoopRegion) LoopSettings {
	s := LoopSettings{
		MaxIterations:     c.cfg.MaxIterations,
		Timeout:           c.cfg.LoopTimeout,
		Threshold:         c.cfg.ConvergenceThreshold,
		OscillationLow:    c.cfg.OscillationLow,
		StopOnOscillation: c.cfg.StopOnOscillation,
	}
	lc, ok := c.def.loopConfigFor(region.Nodes)
	if !ok {
		return s
	}
	if lc.MaxIterations > 0 {
		s.MaxIterations = lc.MaxIterations
	}
	if lc.TimeoutMs != nil {
		t := time.Duration(*lc.TimeoutMs) * time.Millisecond
		s.Timeout = &t
	}
	if lc.ConvergenceThreshold != nil {
		s.Threshold = *lc.ConvergenceThreshold
	}
	if lc.StopOnOscillation != nil {
		s.StopOnOscillation = *lc.StopOnOscillation
	}
	return s
}

// isBlocked reports whether any predecessor outside the component failed or was skipped
func (c *Coordinator) isBlocked(comp *component) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range comp.nodes {
		for _, pred := range c.graph.in[idx] {
			if c.blocked[pred] {
				return true
			}
		}
	}
	return false
}

func (c *Coordinator) block(comp *component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range comp.nodes {
		c.blocked[idx] = true
	}
}

func (c *Coordinator) skip(comp *component) {
	c.block(comp)
	for _, idx := range comp.nodes {
		node := c.graph.nodes[idx]
		node.markSkipped()
		c.rt.publishNode(node)
	}
	if comp.loop != nil {
		c.rt.log(LogWarning, "Loop %s skipped: upstream failure", comp.loop.ID)
		return
	}
	c.rt.log(LogWarning, "%s skipped: upstream failure", c.graph.nodes[comp.nodes[0]].DisplayName())
}

func (c *Coordinator) publishRun() {
	snap := c.Snapshot()
	c.bus.Publish(Event{Kind: EventRun, RunID: c.runID, Run: &snap})
}

func stageLabel(s stageInfo) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
