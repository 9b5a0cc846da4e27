package workflow

import "time"

// Metrics receives engine measurements. internal/metrics.Collector and
// internal/telemetry.EngineMetrics implement it; the default discards
// everything.
type Metrics interface {
	RecordNodeExecution(kind, status string, duration time.Duration)
	RecordLoopIteration(stage string)
	RecordLoopTerminated(status, reason string, iterations int)
	RecordRunStarted()
	RecordRun(status string, duration time.Duration)
	RecordDroppedEvent()
}

type nopMetrics struct{}

func (nopMetrics) RecordNodeExecution(string, string, time.Duration) {}
func (nopMetrics) RecordLoopIteration(string)                        {}
func (nopMetrics) RecordLoopTerminated(string, string, int)          {}
func (nopMetrics) RecordRunStarted()                                 {}
func (nopMetrics) RecordRun(string, time.Duration)                   {}
func (nopMetrics) RecordDroppedEvent()                               {}

// MultiMetrics fans every measurement out to each non-nil sink
func MultiMetrics(sinks ...Metrics) Metrics {
	out := make(multiMetrics, 0, len(sinks))
	for _, m := range sinks {
		if m != nil {
			out = append(out, m)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type multiMetrics []Metrics

func (mm multiMetrics) RecordNodeExecution(kind, status string, d time.Duration) {
	for _, m := range mm {
		m.RecordNodeExecution(kind, status, d)
	}
}

func (mm multiMetrics) RecordLoopIteration(stage string) {
	for _, m := range mm {
		m.RecordLoopIteration(stage)
	}
}

func (mm multiMetrics) RecordLoopTerminated(status, reason string, iterations int) {
	for _, m := range mm {
		m.RecordLoopTerminated(status, reason, iterations)
	}
}

func (mm multiMetrics) RecordRunStarted() {
	for _, m := range mm {
		m.RecordRunStarted()
	}
}

func (mm multiMetrics) RecordRun(status string, d time.Duration) {
	for _, m := range mm {
		m.RecordRun(status, d)
	}
}

func (mm multiMetrics) RecordDroppedEvent() {
	for _, m := range mm {
		m.RecordDroppedEvent()
	}
}
