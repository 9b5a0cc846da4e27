// Package ctxkeys 定义跨包传递的 context 键，HTTP 中间件、工作流引擎与
// Agent 调用器通过它共享请求与运行标识。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	runIDKey     contextKey = "run_id"
	loopIDKey    contextKey = "loop_id"
)

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return lookup(ctx, requestIDKey)
}

// WithRunID 设置工作流运行 ID
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID 获取工作流运行 ID
func RunID(ctx context.Context) (string, bool) {
	return lookup(ctx, runIDKey)
}

// WithLoopID 设置循环 ID
func WithLoopID(ctx context.Context, loopID string) context.Context {
	return context.WithValue(ctx, loopIDKey, loopID)
}

// LoopID 获取循环 ID
func LoopID(ctx context.Context) (string, bool) {
	return lookup(ctx, loopIDKey)
}

func lookup(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
