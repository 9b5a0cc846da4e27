package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// outputSeparator joins outputs of several upstream nodes
const outputSeparator = "\n\n"

const tracerName = "loopflow/workflow"

// runtime is the state shared by the coordinator and its loop controllers
// for one run.
type runtime struct {
	runID     string
	prompt    string
	graph     *Graph
	executors Executors
	bus       *EventBus
	metrics   Metrics
	history   *ExecutionHistory
	logger    *zap.Logger
	tracer    trace.Tracer
	maxLogs   int

	logMu sync.Mutex
	logs  []LogEntry
}

func newRuntime(runID, prompt string, g *Graph, execs Executors, bus *EventBus, m Metrics, logger *zap.Logger, maxLogs int) *runtime {
	return &runtime{
		runID:     runID,
		prompt:    prompt,
		graph:     g,
		executors: execs,
		bus:       bus,
		metrics:   m,
		history:   NewExecutionHistory(),
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		maxLogs:   maxLogs,
	}
}

// log appends a log entry to the run log and publishes it
func (rt *runtime) log(typ LogType, format string, args ...any) {
	entry := LogEntry{Time: time.Now(), Type: typ, Message: fmt.Sprintf(format, args...)}

	rt.logMu.Lock()
	rt.logs = append(rt.logs, entry)
	if rt.maxLogs > 0 && len(rt.logs) > rt.maxLogs {
		rt.logs = rt.logs[len(rt.logs)-rt.maxLogs:]
	}
	rt.logMu.Unlock()

	rt.bus.Publish(Event{Kind: EventLog, RunID: rt.runID, Time: entry.Time, Log: &entry})
}

func (rt *runtime) logEntries() []LogEntry {
	rt.logMu.Lock()
	defer rt.logMu.Unlock()
	return append([]LogEntry(nil), rt.logs...)
}

func (rt *runtime) publishNode(n *Node) {
	snap := n.Snapshot(rt.graph.stages[n.stage].ID)
	rt.bus.Publish(Event{Kind: EventNode, RunID: rt.runID, Node: &snap})
}

func (rt *runtime) publishLoop(snap LoopSnapshot) {
	rt.bus.Publish(Event{Kind: EventLoop, RunID: rt.runID, Loop: &snap})
}

// executeNode dispatches the node to its kind's executor and records the
// status transitions. Every transition is published as a node event.
func (rt *runtime) executeNode(ctx context.Context, n *Node, input, loopID string, iteration int) (string, error) {
	ctx, span := rt.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("workflow.run_id", rt.runID),
		attribute.String("workflow.node_id", n.ID),
		attribute.String("workflow.node_kind", string(n.Kind)),
	))
	defer span.End()

	n.markRunning(loopID, iteration)
	rt.publishNode(n)
	exec := rt.history.RecordNodeStart(n.ID, n.Kind, loopID, iteration)
	start := time.Now()

	res, err := rt.dispatch(ctx, n, NodeInput{Input: input, Prompt: rt.prompt, LoopID: loopID, Iteration: iteration})
	rt.history.RecordNodeEnd(exec, err)

	if err != nil {
		err = fmt.Errorf("node %s: %w", n.ID, err)
		n.markError(err)
		rt.publishNode(n)
		rt.metrics.RecordNodeExecution(string(n.Kind), string(NodeError), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rt.logger.Warn("node execution failed",
			zap.String("run_id", rt.runID),
			zap.String("node_id", n.ID),
			zap.Error(err))
		return "", err
	}

	n.markComplete(res.Output, res.ToolOutputs)
	rt.publishNode(n)
	rt.metrics.RecordNodeExecution(string(n.Kind), string(NodeComplete), time.Since(start))
	return res.Output, nil
}

func (rt *runtime) dispatch(ctx context.Context, n *Node, in NodeInput) (NodeResult, error) {
	exec, ok := rt.executors[n.Kind]
	if !ok || exec == nil {
		return NodeResult{}, fmt.Errorf("no executor for node kind %q", n.Kind)
	}
	return exec.Execute(ctx, n, in)
}

// nodeInput assembles a node's input from its predecessors. Inside a loop,
// predecessors earlier in the body contribute their output of the current
// iteration and back edges are ignored. Nodes without any contributing
// predecessor receive fallback.
func (rt *runtime) nodeInput(idx int, loop *LoopRegion, iteration map[int]string, fallback string) string {
	var parts []string
	contributed := false
	for _, pred := range rt.graph.in[idx] {
		if loop != nil && loop.Contains(pred) {
			if loop.position[pred] >= loop.position[idx] {
				continue
			}
			contributed = true
			if out := iteration[pred]; out != "" {
				parts = append(parts, out)
			}
			continue
		}
		contributed = true
		if out := rt.graph.nodes[pred].Output(); out != "" {
			parts = append(parts, out)
		}
	}
	if !contributed {
		return fallback
	}
	return strings.Join(parts, outputSeparator)
}
