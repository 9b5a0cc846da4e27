package invoker

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/loopflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(next Invoker) (*BreakerInvoker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBreakerInvoker(next, BreakerConfig{
		FailureThreshold:  2,
		RecoveryTimeout:   time.Minute,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}, zap.NewNop())
	b.now = clock.Now
	return b, clock
}

func TestBreakerInvoker_OpensAfterConsecutiveTransientFailures(t *testing.T) {
	t.Parallel()

	next := &scriptedInvoker{results: []ExecutionResult{Failed(types.NewUpstreamError(503, "down"))}}
	b, _ := newTestBreaker(next)

	b.Invoke(context.Background(), validRequest())
	assert.Equal(t, CircuitClosed, b.State())
	b.Invoke(context.Background(), validRequest())
	assert.Equal(t, CircuitOpen, b.State())

	res := b.Invoke(context.Background(), validRequest())
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrCircuitOpen, res.Code)
	assert.False(t, res.Retryable)
	assert.Equal(t, int32(2), next.calls.Load(), "open circuit must not reach the endpoint")
}

func TestBreakerInvoker_FatalFailuresDoNotTrip(t *testing.T) {
	t.Parallel()

	next := &scriptedInvoker{results: []ExecutionResult{Failed(types.NewNodeConfigError("bad"))}}
	b, _ := newTestBreaker(next)

	for i := 0; i < 5; i++ {
		b.Invoke(context.Background(), validRequest())
	}
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreakerInvoker_SuccessResetsCount(t *testing.T) {
	t.Parallel()

	next := &scriptedInvoker{results: []ExecutionResult{
		Failed(types.NewUpstreamError(503, "down")),
		Succeeded("ok", nil),
		Failed(types.NewUpstreamError(503, "down")),
	}}
	b, _ := newTestBreaker(next)

	for i := 0; i < 3; i++ {
		b.Invoke(context.Background(), validRequest())
	}
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreakerInvoker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	next := &scriptedInvoker{results: []ExecutionResult{
		Failed(types.NewUpstreamError(503, "down")),
		Failed(types.NewUpstreamError(503, "down")),
		Succeeded("back", nil),
	}}
	b, clock := newTestBreaker(next)

	b.Invoke(context.Background(), validRequest())
	b.Invoke(context.Background(), validRequest())
	require.Equal(t, CircuitOpen, b.State())

	clock.Advance(2 * time.Minute)
	res := b.Invoke(context.Background(), validRequest())
	assert.True(t, res.Success)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreakerInvoker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	next := &scriptedInvoker{results: []ExecutionResult{Failed(types.NewUpstreamError(500, "down"))}}
	b, clock := newTestBreaker(next)

	b.Invoke(context.Background(), validRequest())
	b.Invoke(context.Background(), validRequest())
	clock.Advance(2 * time.Minute)

	b.Invoke(context.Background(), validRequest())
	assert.Equal(t, CircuitOpen, b.State())
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestCircuitState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
