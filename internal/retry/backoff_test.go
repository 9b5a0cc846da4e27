package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/loopflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		ShouldRetry:  func(error) bool { return true },
	}
}

func TestRetryer_SuccessFirstTry(t *testing.T) {
	t.Parallel()
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetryThenSuccess(t *testing.T) {
	t.Parallel()
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_Exhausted(t *testing.T) {
	t.Parallel()
	r := New(fastPolicy(2), zap.NewNop())

	last := errors.New("persistent")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return last
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, last)
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()
	policy := fastPolicy(5)
	policy.ShouldRetry = nil // falls back to types.IsRetryable
	r := New(policy, zap.NewNop())

	calls := 0
	fatal := types.NewNodeConfigError("bad config")
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})

	assert.Same(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetryableStructuredError(t *testing.T) {
	t.Parallel()
	policy := fastPolicy(1)
	policy.ShouldRetry = nil
	r := New(policy, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return types.NewUpstreamError(503, "unavailable")
	})

	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryer_ContextCancelledDuringWait(t *testing.T) {
	t.Parallel()
	policy := fastPolicy(3)
	policy.InitialDelay = time.Second
	policy.MaxDelay = time.Second
	r := New(policy, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	t.Parallel()
	policy := fastPolicy(2)
	var attempts []int
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := New(policy, zap.NewNop())

	_ = r.Do(context.Background(), func(context.Context) error { return errors.New("x") })

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryer_DelayExponentialAndCapped(t *testing.T) {
	t.Parallel()
	r := New(Policy{
		MaxRetries:   5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}, nil)

	assert.Equal(t, 10*time.Millisecond, r.Delay(1))
	assert.Equal(t, 20*time.Millisecond, r.Delay(2))
	assert.Equal(t, 40*time.Millisecond, r.Delay(3))
	assert.Equal(t, 50*time.Millisecond, r.Delay(4))
	assert.Equal(t, 50*time.Millisecond, r.Delay(10))
}

func TestRetryer_JitterBounds(t *testing.T) {
	t.Parallel()
	r := New(Policy{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}, nil)

	for i := 0; i < 50; i++ {
		d := r.Delay(3) // base 40ms
		assert.GreaterOrEqual(t, d, 30*time.Millisecond)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestNew_NormalizesPolicy(t *testing.T) {
	t.Parallel()
	r := New(Policy{MaxRetries: -1, Multiplier: 0.5}, nil)
	p := r.Policy()

	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.NotNil(t, p.ShouldRetry)
}
