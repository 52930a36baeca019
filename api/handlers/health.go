package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/session/pool"
)

// =============================================================================
// 🏥 健康检查与身份 Handler
// =============================================================================

// PoolInspector exposes the credential pool's health snapshot.
type PoolInspector interface {
	Stats() map[string][]pool.CredentialStats
}

// HealthHandler 健康检查处理器：/health 报活并附带每个 provider 的
// 凭据池摘要，/ 返回网关身份。
type HealthHandler struct {
	logger  *zap.Logger
	pool    PoolInspector
	catalog ModelCatalog
	version string
	started time.Time

	mu     sync.RWMutex
	checks []HealthCheck
}

// HealthCheck 可插拔就绪检查接口（数据库、Redis 等）。
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthResponse 健康检查响应体
type HealthResponse struct {
	Status    string                         `json:"status"` // "ok" or "degraded"
	Version   string                         `json:"version,omitempty"`
	Uptime    string                         `json:"uptime"`
	Providers map[string]ProviderPoolSummary `json:"providers"`
	Checks    map[string]CheckResult         `json:"checks,omitempty"`
}

// ProviderPoolSummary 单个 provider 的凭据池状态计数
type ProviderPoolSummary struct {
	Active   int `json:"active"`
	Cooldown int `json:"cooldown"`
	Disabled int `json:"disabled"`
}

// CheckResult 单个就绪检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// IdentityResponse 根端点身份信息
type IdentityResponse struct {
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Models    int      `json:"models"`
	Endpoints []string `json:"endpoints"`
}

// NewHealthHandler 创建健康检查处理器。pool 与 catalog 允许为 nil，
// 对应字段在响应中留空。
func NewHealthHandler(credPool PoolInspector, catalog ModelCatalog, version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		pool:    credPool,
		catalog: catalog,
		version: version,
		started: time.Now(),
	}
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth 处理 /health 请求
// @Summary 健康检查
// @Description 报活并返回每个 provider 的凭据池摘要
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthResponse "服务正常"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Providers: map[string]ProviderPoolSummary{},
	}

	if h.pool != nil {
		for providerID, creds := range h.pool.Stats() {
			var s ProviderPoolSummary
			for _, c := range creds {
				switch c.State {
				case pool.StateActive:
					s.Active++
				case pool.StateCooldown:
					s.Cooldown++
				case pool.StateDisabled:
					s.Disabled++
				}
			}
			resp.Providers[providerID] = s
			// 某个 provider 一个可用凭据都不剩时标记降级，但仍然报活：
			// 网关对其余 provider 还是健康的。
			if s.Active == 0 && len(creds) > 0 {
				resp.Status = "degraded"
			}
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}

// HandleReady 处理 /ready 请求：跑完注册的就绪检查。
// @Summary 就绪检查
// @Description 运行已注册的依赖检查（数据库、Redis 等）
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthResponse "服务就绪"
// @Failure 503 {object} HealthResponse "依赖不可用"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	resp := HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Providers: map[string]ProviderPoolSummary{},
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	healthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			healthy = false

			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}
		resp.Checks[check.Name()] = result
	}

	if !healthy {
		resp.Status = "degraded"
		WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// HandleRoot 处理 / 请求
// @Summary 网关身份
// @Description 返回服务名、版本与模型数量
// @Tags 健康
// @Produce json
// @Success 200 {object} IdentityResponse "身份信息"
// @Router / [get]
func (h *HealthHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		WriteJSON(w, http.StatusNotFound, map[string]string{"detail": "not found"})
		return
	}

	models := 0
	if h.catalog != nil {
		models = len(h.catalog.ListModels())
	}

	WriteJSON(w, http.StatusOK, IdentityResponse{
		Service: "sessionflow",
		Version: h.version,
		Models:  models,
		Endpoints: []string{
			"POST /v1/chat/completions",
			"GET /v1/models",
			"POST /v1/images/generations",
			"GET /health",
		},
	})
}

// =============================================================================
// 🔧 内置就绪检查实现
// =============================================================================

// PingCheck 用任意 ping 函数构造一个就绪检查。
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 创建 ping 型就绪检查
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string { return c.name }

func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }
