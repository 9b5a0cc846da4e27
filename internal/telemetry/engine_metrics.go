package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of the engine instruments.
const meterName = "loopflow/workflow"

// EngineMetrics records workflow engine measurements as OTel instruments,
// exported through whatever MeterProvider Init installed.
type EngineMetrics struct {
	nodeExecutions metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	loopIterations metric.Int64Counter
	loopTerminated metric.Int64Counter
	loopLength     metric.Int64Histogram
	runsStarted    metric.Int64Counter
	runsFinished   metric.Int64Counter
	runDuration    metric.Float64Histogram
	droppedEvents  metric.Int64Counter
}

// NewEngineMetrics creates the engine instruments on mp.
func NewEngineMetrics(mp metric.MeterProvider) (*EngineMetrics, error) {
	m := mp.Meter(meterName)
	em := &EngineMetrics{}

	var err, e error
	em.nodeExecutions, e = m.Int64Counter("loopflow.node.executions",
		metric.WithDescription("Node executions by kind and status"))
	err = errors.Join(err, e)
	em.nodeDuration, e = m.Float64Histogram("loopflow.node.duration",
		metric.WithDescription("Node execution duration"), metric.WithUnit("s"))
	err = errors.Join(err, e)
	em.loopIterations, e = m.Int64Counter("loopflow.loop.iterations",
		metric.WithDescription("Completed loop iterations by stage"))
	err = errors.Join(err, e)
	em.loopTerminated, e = m.Int64Counter("loopflow.loop.terminations",
		metric.WithDescription("Terminated loops by status and reason"))
	err = errors.Join(err, e)
	em.loopLength, e = m.Int64Histogram("loopflow.loop.length",
		metric.WithDescription("Iterations executed per loop"))
	err = errors.Join(err, e)
	em.runsStarted, e = m.Int64Counter("loopflow.runs.started",
		metric.WithDescription("Started workflow runs"))
	err = errors.Join(err, e)
	em.runsFinished, e = m.Int64Counter("loopflow.runs.finished",
		metric.WithDescription("Finished workflow runs by status"))
	err = errors.Join(err, e)
	em.runDuration, e = m.Float64Histogram("loopflow.run.duration",
		metric.WithDescription("Workflow run duration"), metric.WithUnit("s"))
	err = errors.Join(err, e)
	em.droppedEvents, e = m.Int64Counter("loopflow.events.dropped",
		metric.WithDescription("Events dropped for slow subscribers"))
	err = errors.Join(err, e)

	if err != nil {
		return nil, err
	}
	return em, nil
}

// RecordNodeExecution counts one node execution.
func (em *EngineMetrics) RecordNodeExecution(kind, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("status", status))
	em.nodeExecutions.Add(context.Background(), 1, attrs)
	em.nodeDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordLoopIteration counts one completed iteration.
func (em *EngineMetrics) RecordLoopIteration(stage string) {
	em.loopIterations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordLoopTerminated counts a loop reaching a terminal status.
func (em *EngineMetrics) RecordLoopTerminated(status, reason string, iterations int) {
	em.loopTerminated.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
	em.loopLength.Record(context.Background(), int64(iterations), metric.WithAttributes(attribute.String("status", status)))
}

func (em *EngineMetrics) RecordRunStarted() {
	em.runsStarted.Add(context.Background(), 1)
}

func (em *EngineMetrics) RecordRun(status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	em.runsFinished.Add(context.Background(), 1, attrs)
	em.runDuration.Record(context.Background(), duration.Seconds(), attrs)
}

func (em *EngineMetrics) RecordDroppedEvent() {
	em.droppedEvents.Add(context.Background(), 1)
}
