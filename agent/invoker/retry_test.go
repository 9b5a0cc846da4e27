package invoker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/loopflow/internal/retry"
	"github.com/BaSui01/loopflow/types"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// scriptedInvoker returns results in order, repeating the last one.
type scriptedInvoker struct {
	results []ExecutionResult
	calls   atomic.Int32
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req Request) ExecutionResult {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.results) {
		n = len(s.results) - 1
	}
	return s.results[n]
}

func testPolicy(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestRetryingInvoker_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	next := &scriptedInvoker{results: []ExecutionResult{
		Failed(types.NewUpstreamError(503, "busy")),
		Failed(types.NewUpstreamError(429, "slow down")),
		Succeeded("done", nil),
	}}
	inv := NewRetryingInvoker(next, testPolicy(3), zap.NewNop())

	res := inv.Invoke(context.Background(), validRequest())

	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestRetryingInvoker_FatalNotRetried(t *testing.T) {
	t.Parallel()

	next := &scriptedInvoker{results: []ExecutionResult{
		Failed(types.NewNodeConfigError("system prompt is empty")),
		Succeeded("never", nil),
	}}
	inv := NewRetryingInvoker(next, testPolicy(3), nil)

	res := inv.Invoke(context.Background(), validRequest())

	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNodeConfig, res.Code)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestRetryingInvoker_BoundedAttempts(t *testing.T) {
	t.Parallel()

	next := &scriptedInvoker{results: []ExecutionResult{Failed(types.NewUpstreamError(500, "down"))}}
	inv := NewRetryingInvoker(next, testPolicy(2), nil)

	res := inv.Invoke(context.Background(), validRequest())

	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestRetryingInvoker_CancelledBetweenAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	next := InvokerFunc(func(ctx context.Context, req Request) ExecutionResult {
		cancel()
		return Failed(types.NewUpstreamError(502, "bad gateway"))
	})
	policy := testPolicy(5)
	policy.InitialDelay = time.Second
	policy.MaxDelay = time.Second
	inv := NewRetryingInvoker(next, policy, nil)

	res := inv.Invoke(ctx, validRequest())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "bad gateway")
}
