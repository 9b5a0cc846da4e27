package invoker

import (
	"context"

	"github.com/BaSui01/loopflow/internal/retry"
	"go.uber.org/zap"
)

// RetryingInvoker retries retryable failures of the wrapped Invoker.
// Fatal failures (Retryable=false) are returned after the first attempt.
type RetryingInvoker struct {
	next    Invoker
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewRetryingInvoker wraps next with the given policy. The policy's ShouldRetry is
// replaced: only results marked Retryable are retried.
func NewRetryingInvoker(next Invoker, policy retry.Policy, logger *zap.Logger) *RetryingInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.ShouldRetry = func(err error) bool {
		f, ok := err.(*resultFailure)
		return ok && f.result.Retryable
	}
	return &RetryingInvoker{
		next:    next,
		retryer: retry.New(policy, logger),
		logger:  logger.With(zap.String("component", "retrying_invoker")),
	}
}

type resultFailure struct {
	result ExecutionResult
}

func (f *resultFailure) Error() string { return f.result.Error }

// Invoke implements Invoker. The returned result is the last attempt's result; when
// the context is cancelled while waiting between attempts, the previous failure is kept.
func (r *RetryingInvoker) Invoke(ctx context.Context, req Request) ExecutionResult {
	var last ExecutionResult
	attempts := 0

	_ = r.retryer.Do(ctx, func(ctx context.Context) error {
		attempts++
		last = r.next.Invoke(ctx, req)
		if last.Success {
			return nil
		}
		return &resultFailure{result: last}
	})

	if attempts > 1 {
		r.logger.Debug("invocation finished after retries",
			zap.Int("attempts", attempts),
			zap.Int("max_retries", r.retryer.Policy().MaxRetries),
			zap.Bool("success", last.Success),
		)
	}
	return last
}
