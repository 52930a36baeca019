package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/config"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := SecurityHeaders()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	// SecurityHeaders should be present
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
	// RequestID should also be present
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	handler := RequestID()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	handler.ServeHTTP(w, r)

	require.NotEmpty(t, seen)
	assert.Contains(t, seen, "req-")
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PreservesClientProvided(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	handler := RequestID()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.Header.Set("X-Request-ID", "client-supplied-42")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "client-supplied-42", seen)
	assert.Equal(t, "client-supplied-42", w.Header().Get("X-Request-ID"))
}

func TestBearerAuth(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	logger := zap.NewNop()
	skipPaths := []string{"/", "/health", "/ready"}

	tests := []struct {
		name       string
		cfg        config.AuthConfig
		path       string
		authHeader string
		wantStatus int
	}{
		{
			name:       "valid token accepted",
			cfg:        config.AuthConfig{Token: "sk-gw-secret"},
			path:       "/v1/chat/completions",
			authHeader: "Bearer sk-gw-secret",
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong token rejected",
			cfg:        config.AuthConfig{Token: "sk-gw-secret"},
			path:       "/v1/chat/completions",
			authHeader: "Bearer sk-gw-wrong",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing header rejected",
			cfg:        config.AuthConfig{Token: "sk-gw-secret"},
			path:       "/v1/chat/completions",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed scheme rejected",
			cfg:        config.AuthConfig{Token: "sk-gw-secret"},
			path:       "/v1/chat/completions",
			authHeader: "Basic sk-gw-secret",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "health path skips auth",
			cfg:        config.AuthConfig{Token: "sk-gw-secret"},
			path:       "/health",
			wantStatus: http.StatusOK,
		},
		{
			name:       "skip_auth disables check",
			cfg:        config.AuthConfig{Token: "sk-gw-secret", SkipAuth: true},
			path:       "/v1/chat/completions",
			wantStatus: http.StatusOK,
		},
		{
			name:       "empty token disables check",
			cfg:        config.AuthConfig{},
			path:       "/v1/chat/completions",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := BearerAuth(tt.cfg, skipPaths, logger)(inner)

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.authHeader != "" {
				r.Header.Set("Authorization", tt.authHeader)
			}
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestBearerAuth_RejectionUsesErrorEnvelope(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := BearerAuth(config.AuthConfig{Token: "sk-gw-secret"}, nil, zap.NewNop())(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "unauthorized", envelope.Error.Code)
	assert.NotEmpty(t, envelope.Error.Message)
}

func TestAuthEnabled(t *testing.T) {
	assert.True(t, authEnabled(config.AuthConfig{Token: "sk-x"}))
	assert.False(t, authEnabled(config.AuthConfig{Token: "sk-x", SkipAuth: true}))
	assert.False(t, authEnabled(config.AuthConfig{}))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"/health", "/health"},
		{"/v1/chat/completions", "/v1/chat/completions"},
		{"/v1/models", "/v1/models"},
		{"/v1/images/generations", "/v1/images/generations"},
		{"/v1/sessions/550e8400-e29b-41d4-a716-446655440000", "/v1/sessions/:id"},
		{"/v1/sessions/1234567890abcdef", "/v1/sessions/:id"},
		{"/v1/credentials/42", "/v1/credentials/:id"},
		{"/v1/unknown/path", "/v1/unknown/path"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}

func TestRateLimiter_EnforcesBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimiter(ctx, 1, 2, zap.NewNop())(inner)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		r.RemoteAddr = "10.0.0.7:55555"
		handler.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}

	// Burst of 2, so the third immediate request is throttled.
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_IsolatesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimiter(ctx, 1, 1, zap.NewNop())(inner)

	first := httptest.NewRecorder()
	r1 := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r1.RemoteAddr = "10.0.0.1:1000"
	handler.ServeHTTP(first, r1)
	require.Equal(t, http.StatusOK, first.Code)

	throttled := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r2.RemoteAddr = "10.0.0.1:2000"
	handler.ServeHTTP(throttled, r2)
	assert.Equal(t, http.StatusTooManyRequests, throttled.Code)

	other := httptest.NewRecorder()
	r3 := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r3.RemoteAddr = "10.0.0.2:1000"
	handler.ServeHTTP(other, r3)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestRecovery_ConvertsPanicTo500(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := Recovery(zap.NewNop())(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
}
