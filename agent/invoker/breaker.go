package invoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/loopflow/types"
	"go.uber.org/zap"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许请求通过
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝所有请求
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许有限的探测请求
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeout 熔断后进入半开状态前的等待时间
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的并发探测数
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" json:"half_open_max_probes"`
	// SuccessThreshold 半开状态下连续成功多少次后恢复
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

// BreakerInvoker 在远程 Agent 端点前加一层熔断器。
// 只有可重试（瞬时）失败计入失败次数；配置类错误说明端点是健康的。
type BreakerInvoker struct {
	next   Invoker
	config BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	inflightProbes  int
	lastFailureTime time.Time
}

// NewBreakerInvoker 创建带熔断的 Invoker
func NewBreakerInvoker(next Invoker, config BreakerConfig, logger *zap.Logger) *BreakerInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.HalfOpenMaxProbes <= 0 {
		config.HalfOpenMaxProbes = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &BreakerInvoker{
		next:   next,
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
		state:  CircuitClosed,
	}
}

// State 返回当前状态
func (b *BreakerInvoker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Invoke implements Invoker.
func (b *BreakerInvoker) Invoke(ctx context.Context, req Request) ExecutionResult {
	probe, err := b.allow()
	if err != nil {
		return Failed(err)
	}

	res := b.next.Invoke(ctx, req)
	b.record(probe, res)
	return res
}

// allow 检查是否允许请求通过；返回值 probe 表示这是半开状态下的探测请求
func (b *BreakerInvoker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed < b.config.RecoveryTimeout {
			return false, types.NewError(types.ErrCircuitOpen, fmt.Sprintf(
				"agent endpoint circuit open after %d consecutive failures, retry after %v",
				b.failures, b.config.RecoveryTimeout-elapsed))
		}
		b.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
		b.successes = 0
		b.inflightProbes = 0
		fallthrough

	case CircuitHalfOpen:
		if b.inflightProbes >= b.config.HalfOpenMaxProbes {
			return false, types.NewError(types.ErrCircuitOpen, "agent endpoint circuit half-open, probe in flight")
		}
		b.inflightProbes++
		return true, nil

	default:
		return false, nil
	}
}

func (b *BreakerInvoker) record(probe bool, res ExecutionResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.inflightProbes--
	}
	transient := !res.Success && res.Retryable

	switch b.state {
	case CircuitClosed:
		if !transient {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailureTime = b.now()
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", b.failures))
		}

	case CircuitHalfOpen:
		if transient {
			b.failures++
			b.lastFailureTime = b.now()
			b.successes = 0
			b.transitionTo(CircuitOpen, "failure in half-open state")
			return
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transitionTo(CircuitClosed, "probe succeeded")
		}
	}
}

// transitionTo 必须在锁内调用
func (b *BreakerInvoker) transitionTo(state CircuitState, reason string) {
	old := b.state
	b.state = state
	b.logger.Info("circuit breaker state change",
		zap.String("old_state", old.String()),
		zap.String("new_state", state.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
	)
}
