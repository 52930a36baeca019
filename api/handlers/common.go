package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/api"
	"github.com/BaSui01/sessionflow/internal/ctxkeys"
	"github.com/BaSui01/sessionflow/types"
)

// HeaderRequestID 由中间件写入请求与响应；处理器把它透传进日志和审计。
const HeaderRequestID = "X-Request-ID"

// maxBodyBytes caps request bodies. Inline data-URI images arrive base64
// encoded inside messages, so the cap is generous.
const maxBodyBytes = 16 << 20

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 响应头已经写出，这里无法再补救。
		return
	}
}

// WriteError 按 OpenAI 错误信封写出一个结构化错误
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = StatusForCode(err.Code)
	}

	if logger != nil {
		logger.Error("API error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.String("provider", err.Provider),
			zap.Error(err.Cause),
		)
	}

	WriteJSON(w, status, api.NewErrorEnvelope(err))
}

// WriteErrorFrom 包装任意错误后写出；非结构化错误折叠为内部错误。
func WriteErrorFrom(w http.ResponseWriter, err error, logger *zap.Logger) {
	if typed := types.AsError(err); typed != nil {
		WriteError(w, typed, logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, "internal error").WithCause(err), logger)
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

// StatusForCode maps an internal error code to its HTTP status. Errors
// carrying an explicit HTTPStatus bypass this table.
func StatusForCode(code types.ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case types.ErrBadRequest, types.ErrUnsupportedContentPart:
		return http.StatusBadRequest
	case types.ErrUnknownModel:
		return http.StatusNotFound
	case types.ErrUnauthorized, types.ErrAuthenticationFailed, types.ErrCredentialsRejected:
		return http.StatusUnauthorized
	case types.ErrRateLimited, types.ErrUpstreamRateLimited:
		return http.StatusTooManyRequests

	// 5xx 服务端与上游错误
	case types.ErrUpstreamUnavailable, types.ErrUpstreamProtocol, types.ErrHarvestFailed:
		return http.StatusBadGateway
	case types.ErrUpstreamTimeout, types.ErrNavigationTimeout:
		return http.StatusGatewayTimeout
	case types.ErrBrowserLaunchFailed, types.ErrChallengeUnsolved:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体。OpenAI 客户端携带的字段远多于网关
// 消费的子集，所以这里不拒绝未知字段。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.NewError(types.ErrBadRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apiErr := types.NewError(types.ErrBadRequest, "request body too large").
				WithCause(err).WithHTTPStatus(http.StatusRequestEntityTooLarge)
			WriteError(w, apiErr, logger)
			return apiErr
		}
		apiErr := types.NewError(types.ErrBadRequest, "invalid JSON body").WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}

	return nil
}

// RequestID returns the request id stamped by the middleware chain, empty
// when the request bypassed it. The header is authoritative; the context
// key covers callers holding a request whose headers were already consumed.
func RequestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	if id, ok := ctxkeys.RequestID(r.Context()); ok {
		return id
	}
	return ""
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush 透传到底层 Flusher，保证 SSE 流经过包装后仍可工作。
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		rw.Written = true
		f.Flush()
	}
}
