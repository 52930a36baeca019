package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/BaSui01/sessionflow/internal/audit"
	"github.com/BaSui01/sessionflow/types"
)

// =============================================================================
// 📝 请求审计
// =============================================================================

// Auditor 消费一条请求审计记录。internal/audit.Recorder 是生产实现；
// 契约要求 Record 永不阻塞请求路径。未配置时处理器静默跳过审计。
//
// 审计记录只含请求元数据与令牌统计——消息正文、会话 Cookie 与鉴权令牌
// 一律不进审计。
type Auditor interface {
	Record(rec audit.RequestLog)
}

// auditBase 以请求上下文填充审计记录的公共字段。
func auditBase(r *http.Request, model string, stream bool) audit.RequestLog {
	return audit.RequestLog{
		RequestID: RequestID(r),
		Method:    r.Method,
		Path:      r.URL.Path,
		Model:     model,
		Stream:    stream,
		ClientIP:  clientIP(r),
	}
}

// auditFailure 从错误中提取状态码、错误码与提供方。
func auditFailure(rec *audit.RequestLog, err error) {
	typed := types.AsError(err)
	if typed == nil {
		rec.StatusCode = http.StatusInternalServerError
		rec.ErrorCode = auditCode(types.ErrInternalError)
		return
	}
	status := typed.HTTPStatus
	if status == 0 {
		status = StatusForCode(typed.Code)
	}
	rec.StatusCode = status
	rec.ErrorCode = auditCode(typed.Code)
	if rec.Provider == "" {
		rec.Provider = typed.Provider
	}
}

// auditCode 落库用错误码，与错误信封的线上形态保持一致（小写），
// 方便审计行和客户端观测到的错误直接对账。
func auditCode(code types.ErrorCode) string {
	return strings.ToLower(string(code))
}

// clientIP 提取客户端地址：TLS 在反向代理终结，优先取代理注入的
// X-Forwarded-For 首项，次选 X-Real-IP，最后回退到连接对端。
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
