// =============================================================================
// 🧪 测试辅助：上游伪装与流收集
// =============================================================================
// 适配器测试共用的基础设施：一个按路径登记应答、记录请求的假上游，
// 以及带超时兜底的流式块收集器。
//
// 使用方法:
//
//	up := testutil.NewUpstream(t)
//	up.HandleSSE("/api/chat/completions", `{"type":"chat","data":{...}}`)
//	chunks := testutil.DrainStream(t, ch, 5*time.Second)
// =============================================================================
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/sessionflow/llm"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 🌐 假上游
// =============================================================================

// CapturedRequest 是假上游记录的一次来访。Body 已整体读出，
// 断言请求外形时直接反序列化即可。
type CapturedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// DecodeJSON 把记录的请求体解码到 out。
func (c CapturedRequest) DecodeJSON(t *testing.T, out any) {
	t.Helper()
	if err := json.Unmarshal(c.Body, out); err != nil {
		t.Fatalf("decode captured request body: %v\nbody: %s", err, c.Body)
	}
}

// Upstream 伪装一个上游 provider：按路径登记应答，记录收到的每个
// 请求。未登记路径的来访会使测试失败，适配器多打的请求藏不住。
type Upstream struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []CapturedRequest
}

// NewUpstream 启动假上游并注册关闭清理。
func NewUpstream(t *testing.T) *Upstream {
	t.Helper()
	u := &Upstream{t: t, handlers: map[string]http.HandlerFunc{}}
	u.srv = httptest.NewServer(http.HandlerFunc(u.dispatch))
	t.Cleanup(u.srv.Close)
	return u
}

// URL 返回假上游的基地址，填进适配器的 BaseURL。
func (u *Upstream) URL() string { return u.srv.URL }

// HandleJSON 登记一个返回固定 JSON 的端点。
func (u *Upstream) HandleJSON(path string, status int, body any) {
	u.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
}

// HandleSSE 登记一个 SSE 端点：逐帧推送给定事件并以 [DONE] 收尾。
func (u *Upstream) HandleSSE(path string, events ...string) {
	u.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		WriteSSE(w, events...)
	})
}

// HandleFunc 登记自定义处理器，需要脚本化状态码或坏响应体时用。
func (u *Upstream) HandleFunc(path string, h http.HandlerFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handlers[path] = h
}

func (u *Upstream) dispatch(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))

	u.mu.Lock()
	u.requests = append(u.requests, CapturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	h := u.handlers[r.URL.Path]
	u.mu.Unlock()

	if h == nil {
		u.t.Errorf("unexpected upstream call: %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h(w, r)
}

// Requests 返回到目前为止记录的全部来访，按到达顺序。
func (u *Upstream) Requests() []CapturedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]CapturedRequest, len(u.requests))
	copy(out, u.requests)
	return out
}

// RequestTo 返回发往指定路径的第一个请求，没有则使测试失败。
func (u *Upstream) RequestTo(path string) CapturedRequest {
	u.t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, req := range u.requests {
		if req.Path == path {
			return req
		}
	}
	u.t.Fatalf("no request captured for path %s", path)
	return CapturedRequest{}
}

// WriteSSE 以 text/event-stream 逐帧写出事件，每帧后刷新，
// 最后补 [DONE] 哨兵。
func WriteSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, ev := range events {
		io.WriteString(w, "data: "+ev+"\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
	io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// =============================================================================
// 🌊 流式收集
// =============================================================================

// DrainStream 收集整条流。单块超过超时视为流挂死，直接失败而不是
// 卡到 go test 的全局超时。
func DrainStream(t *testing.T, ch <-chan llm.StreamChunk, timeout time.Duration) []llm.StreamChunk {
	t.Helper()
	var chunks []llm.StreamChunk
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			t.Fatalf("stream stalled after %d chunks", len(chunks))
		}
	}
}

// StreamText 拼接所有增量里的正文内容。
func StreamText(chunks []llm.StreamChunk) string {
	var sb bytes.Buffer
	for _, c := range chunks {
		sb.WriteString(c.Delta.Content)
	}
	return sb.String()
}

// StreamReasoning 拼接所有增量里的思维链内容。
func StreamReasoning(chunks []llm.StreamChunk) string {
	var sb bytes.Buffer
	for _, c := range chunks {
		sb.WriteString(c.Delta.ReasoningContent)
	}
	return sb.String()
}

// StreamErr 返回流里携带的第一个错误，没有则返回 nil。
func StreamErr(chunks []llm.StreamChunk) error {
	for _, c := range chunks {
		if c.Err != nil {
			return c.Err
		}
	}
	return nil
}
