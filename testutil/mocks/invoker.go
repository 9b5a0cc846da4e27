// Invoker 是 agent/invoker.Invoker 的脚本化测试模拟实现。
//
// 支持按序输出、错误注入、延迟与调用记录。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/loopflow/agent/invoker"
	"github.com/BaSui01/loopflow/types"
)

// Invoker 按脚本依次返回结果，脚本用尽后重复最后一项。
// 未设置脚本时回显请求的 UserPrompt。
type Invoker struct {
	mu sync.Mutex

	script []invoker.ExecutionResult
	fn     func(ctx context.Context, req invoker.Request) invoker.ExecutionResult
	delay  time.Duration

	calls []invoker.Request
}

// NewInvoker 创建新的模拟 Invoker
func NewInvoker() *Invoker {
	return &Invoker{}
}

// WithOutputs 追加成功输出
func (m *Invoker) WithOutputs(outputs ...string) *Invoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, out := range outputs {
		m.script = append(m.script, invoker.Succeeded(out, nil))
	}
	return m
}

// WithResults 追加任意结果
func (m *Invoker) WithResults(results ...invoker.ExecutionResult) *Invoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, results...)
	return m
}

// WithError 追加一次失败
func (m *Invoker) WithError(err error) *Invoker {
	return m.WithResults(invoker.Failed(err))
}

// WithFunc 设置自定义处理函数，优先于脚本
func (m *Invoker) WithFunc(fn func(ctx context.Context, req invoker.Request) invoker.ExecutionResult) *Invoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// WithDelay 每次调用前等待 d，期间上下文取消则返回超时失败
func (m *Invoker) WithDelay(d time.Duration) *Invoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Invoke 实现 invoker.Invoker
func (m *Invoker) Invoke(ctx context.Context, req invoker.Request) invoker.ExecutionResult {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, req)
	delay, fn := m.delay, m.fn
	var scripted *invoker.ExecutionResult
	if n := len(m.script); n > 0 {
		r := m.script[min(idx, n-1)]
		scripted = &r
	}
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return invoker.Failed(types.NewError(types.ErrUpstreamTimeout, "mock invoker cancelled").WithCause(ctx.Err()))
		}
	}

	switch {
	case fn != nil:
		return fn(ctx, req)
	case scripted != nil:
		return *scripted
	default:
		return invoker.Succeeded(req.UserPrompt, nil)
	}
}

// Calls 返回调用记录的副本
func (m *Invoker) Calls() []invoker.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]invoker.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回调用次数
func (m *Invoker) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastCall 返回最近一次请求
func (m *Invoker) LastCall() (invoker.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return invoker.Request{}, false
	}
	return m.calls[len(m.calls)-1], true
}

// Reset 清空脚本与调用记录
func (m *Invoker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = nil
	m.calls = nil
	m.fn = nil
	m.delay = 0
}
