// Package ctxkeys 定义跨包共享的 context 键。
//
// 请求 ID 由入口中间件注入，日志、审计与下游适配器从同一个键读取，
// 保证一条请求在所有组件的日志里可以用同一个 ID 串起来。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID 把请求 ID 写入 context。
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 读取请求 ID；未注入时返回 ("", false)。
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
