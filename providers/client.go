// Package providers carries the plumbing the upstream adapters share: a
// retrying JSON/SSE HTTP client, an event-stream reader with a stall
// watchdog, cumulative-to-delta content tracking, and the request helpers
// common to the provider families.
//
// 各家适配器（glm/qwen/kimi）只负责自家的请求外形与流方言，
// 重试、超时分类、用量估算都收敛在本包。
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/BaSui01/sessionflow/internal/tlsutil"
	"github.com/BaSui01/sessionflow/types"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultHeaderTimeout  = 30 * time.Second
	defaultMaxAttempts    = 6
	defaultBackoffBase    = time.Second

	// defaultUserAgent mirrors a desktop browser; consumer endpoints reject
	// obvious bot agents.
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36"
)

// ClientConfig tunes the shared upstream HTTP client.
type ClientConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`

	// ConnectTimeout bounds dial + TLS handshake.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`

	// HeaderTimeout bounds the wait for response headers. The body read is
	// governed by the caller context and the stream watchdog instead, since
	// SSE bodies stay open for minutes.
	HeaderTimeout time.Duration `json:"header_timeout,omitempty" yaml:"header_timeout,omitempty"`

	// MaxAttempts includes the first try. 429 and 5xx retry with
	// exponential backoff until this many attempts have been spent.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// BackoffBase is the first retry delay; each further retry doubles it.
	BackoffBase time.Duration `json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"`

	UserAgent string `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = defaultHeaderTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// Client 面向单个上游提供商的 HTTP 客户端，带连接池与重试。
type Client struct {
	cfg      ClientConfig
	http     *http.Client
	logger   *zap.Logger
	provider string
}

// NewClient builds a client for one provider family. The underlying
// http.Client carries no overall timeout: streaming bodies outlive any
// sane fixed value, so cancellation comes from the request context and
// the per-read watchdog in EventReader.
func NewClient(provider string, cfg ClientConfig, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsutil.DefaultTLSConfig(),
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("http2 setup failed, staying on HTTP/1.1",
			zap.String("provider", provider), zap.Error(err))
	}

	return &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: transport},
		logger:   logger.With(zap.String("component", "upstream_client"), zap.String("provider", provider)),
		provider: provider,
	}
}

// Do 发送一次上游 JSON 请求。payload 非 nil 时序列化为请求体。
// 429 与 5xx 指数退避重试；超时与其余 4xx 不重试。
// 调用方负责关闭返回的响应体。
func (c *Client) Do(ctx context.Context, method, path string, payload any, header http.Header) (*http.Response, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "marshal upstream request").
				WithCause(err).WithProvider(c.provider).WithHTTPStatus(http.StatusInternalServerError)
		}
	}
	endpoint := c.endpoint(path)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.cfg.BackoffBase << (attempt - 2)
			c.logger.Debug("retrying upstream request",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.NamedError("last_error", lastErr))
			select {
			case <-ctx.Done():
				return nil, c.contextError(ctx.Err())
			case <-time.After(backoff):
			}
		}

		var body io.Reader
		if raw != nil {
			body = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "build upstream request").
				WithCause(err).WithProvider(c.provider).WithHTTPStatus(http.StatusInternalServerError)
		}
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json, text/event-stream")
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		for k, vs := range header {
			req.Header[k] = vs
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if terr := c.contextError(err); terr != nil {
				return nil, terr
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, types.NewError(types.ErrUpstreamTimeout, "upstream did not respond in time").
					WithCause(err).WithProvider(c.provider).WithHTTPStatus(http.StatusGatewayTimeout)
			}
			lastErr = types.NewError(types.ErrUpstreamUnavailable, "upstream request failed").
				WithCause(err).WithProvider(c.provider).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			msg := ReadErrorMessage(resp.Body)
			resp.Body.Close()
			lastErr = MapStatus(resp.StatusCode, msg, c.provider)
			continue
		}
		if resp.StatusCode >= 400 {
			msg := ReadErrorMessage(resp.Body)
			resp.Body.Close()
			return nil, MapStatus(resp.StatusCode, msg, c.provider)
		}
		return resp, nil
	}
	return nil, lastErr
}

// Provider returns the provider family id this client talks to.
func (c *Client) Provider() string { return c.provider }

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// contextError 将上下文终止翻译为类型化错误；非上下文错误返回 nil。
func (c *Client) contextError(err error) *types.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrUpstreamTimeout, "upstream call exceeded deadline").
			WithCause(err).WithProvider(c.provider).WithHTTPStatus(http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled):
		return types.NewError(types.ErrUpstreamUnavailable, "upstream call canceled").
			WithCause(context.Canceled).WithProvider(c.provider).WithHTTPStatus(http.StatusBadGateway)
	}
	return nil
}

// MapStatus translates an upstream HTTP status into the gateway's typed
// error. The HTTPStatus carried on the result is the status the gateway
// itself reports, not the upstream one.
func MapStatus(status int, msg string, provider string) *types.Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, fmt.Sprintf("upstream rejected session (%d): %s", status, msg)).
			WithProvider(provider).WithHTTPStatus(http.StatusUnauthorized)
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrUpstreamRateLimited, "upstream rate limited: "+msg).
			WithProvider(provider).WithHTTPStatus(http.StatusTooManyRequests).WithRetryable(true)
	case status == http.StatusBadRequest:
		return types.NewError(types.ErrBadRequest, "upstream rejected request: "+msg).
			WithProvider(provider).WithHTTPStatus(http.StatusBadRequest)
	case status >= 500:
		return types.NewError(types.ErrUpstreamUnavailable, fmt.Sprintf("upstream error (%d): %s", status, msg)).
			WithProvider(provider).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	default:
		return types.NewError(types.ErrUpstreamProtocol, fmt.Sprintf("unexpected upstream status %d: %s", status, msg)).
			WithProvider(provider).WithHTTPStatus(http.StatusBadGateway)
	}
}

// ReadErrorMessage pulls a human-readable message out of an upstream error
// body. Bodies are capped at 8KB; unparseable bodies come back verbatim.
func ReadErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 8<<10))
	var envelope struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		if envelope.Error != nil && envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Detail != "" {
			return envelope.Detail
		}
	}
	return strings.TrimSpace(string(data))
}
