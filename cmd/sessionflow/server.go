package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/api/handlers"
	"github.com/BaSui01/sessionflow/config"
	"github.com/BaSui01/sessionflow/internal/audit"
	"github.com/BaSui01/sessionflow/internal/cache"
	"github.com/BaSui01/sessionflow/internal/database"
	"github.com/BaSui01/sessionflow/internal/metrics"
	"github.com/BaSui01/sessionflow/internal/migration"
	"github.com/BaSui01/sessionflow/internal/server"
	"github.com/BaSui01/sessionflow/internal/telemetry"
	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/providers"
	"github.com/BaSui01/sessionflow/providers/glm"
	"github.com/BaSui01/sessionflow/providers/kimi"
	"github.com/BaSui01/sessionflow/providers/qwen"
	"github.com/BaSui01/sessionflow/session"
	"github.com/BaSui01/sessionflow/session/acquire"
	"github.com/BaSui01/sessionflow/session/browser"
	"github.com/BaSui01/sessionflow/session/pool"
)

// providerIDs 固定登记顺序，保证凭据播种与注册日志可复现。
var providerIDs = []string{"glm", "qwen", "kimi"}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 sessionflow 网关的装配中枢：审计链、会话栈、路由与两个
// HTTP 端口在这里接线并统一关闭。
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 指标收集器
	collector *metrics.Collector

	// 审计链（database.enabled 时装配）
	auditPool *database.PoolManager
	recorder  *audit.Recorder

	// 会话栈
	cacheManager *cache.Manager
	store        *session.Store
	credPool     *pool.Pool
	acquirer     *acquire.Acquirer

	// 路由
	registry *llm.Registry
	router   *llm.Router

	// Handlers
	chatHandler   *handlers.ChatHandler
	imagesHandler *handlers.ImagesHandler
	modelsHandler *handlers.ModelsHandler
	healthHandler *handlers.HealthHandler

	// token 文件热加载
	tokenWatcher *config.FileWatcher

	// 背景 goroutine 生命周期（池维护、池指标、限流清理、文件监听）
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer 创建新的网关实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 装配并启动所有组件
func (s *Server) Start() error {
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	// 1. 指标收集器
	s.collector = metrics.NewCollector("sessionflow", s.logger)

	// 2. 审计链。审计永远是尽力而为：库打不开降级为不落审计，网关照常服务
	if err := s.initAudit(); err != nil {
		s.logger.Warn("audit database not available, request auditing disabled", zap.Error(err))
	}

	// 3. 会话栈：镜像缓存 → 会话存储 → 凭据池 → 浏览器采集器
	if err := s.initSessionStack(); err != nil {
		return fmt.Errorf("failed to init session stack: %w", err)
	}

	// 4. 路由与 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 5. token 文件热加载
	if err := s.initTokenWatcher(); err != nil {
		return fmt.Errorf("failed to init token watcher: %w", err)
	}

	// 6. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 7. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 8. 背景循环：凭据冷却恢复 + 池状态指标
	s.wg.Add(2)
	go s.poolRunLoop()
	go s.poolStatsLoop()

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.ListenPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("models", s.registry.Len()),
		zap.Strings("providers", s.registry.Providers()),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initAudit 迁移并连接审计库，启动异步写入器。
// 先迁移后连接：schema 由 internal/migration 的内嵌 SQL 管理。
func (s *Server) initAudit() error {
	if !s.cfg.Database.Enabled {
		s.logger.Info("audit database disabled by config")
		return nil
	}

	migrator, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.bgCtx, 30*time.Second)
	defer cancel()
	upErr := migrator.Up(ctx)
	if closeErr := migrator.Close(); closeErr != nil {
		s.logger.Warn("migrator close failed", zap.Error(closeErr))
	}
	if upErr != nil {
		return fmt.Errorf("apply migrations: %w", upErr)
	}

	auditPool, err := audit.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}
	s.auditPool = auditPool
	s.recorder = audit.NewRecorder(auditPool, s.collector, s.logger, audit.DefaultRecorderConfig())
	return nil
}

// initSessionStack 装配会话存储、凭据池与浏览器采集器。
func (s *Server) initSessionStack() error {
	// Redis 会话镜像可选，连不上降级为单机存储
	var storeOpts []session.Option
	if s.cfg.Redis.Enabled {
		cacheManager, err := cache.NewManager(cache.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			DefaultTTL:   s.cfg.Session.TTL,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger)
		if err != nil {
			s.logger.Warn("redis not available, session mirror disabled", zap.Error(err))
		} else {
			s.cacheManager = cacheManager
			storeOpts = append(storeOpts, session.WithMirror(cache.NewSessionMirror(cacheManager)))
		}
	}

	store, err := session.NewStore(session.Config{
		Dir: s.cfg.Session.Dir,
		TTL: s.cfg.Session.TTL,
		Key: s.cfg.Session.Key,
	}, s.logger, storeOpts...)
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}
	s.store = store

	// 凭据池。游客流目前只有 kimi 实现，anonymous_mode 只对它生效。
	s.credPool = pool.New(pool.Config{
		Threshold:       s.cfg.Pool.FailureThreshold,
		RecoveryTimeout: s.cfg.Pool.RecoveryTimeout,
		AllowGuest:      map[string]bool{"kimi": s.cfg.Session.AnonymousMode},
	}, s.logger)
	s.seedCredentials()

	// 浏览器登录采集器；打码服务 APIKey 为空时不接入
	browserCfg := browser.DefaultConfig()
	browserCfg.Headless = s.cfg.Browser.Headless
	browserCfg.ExecPath = s.cfg.Browser.ExecPath
	browserCfg.UserAgent = s.cfg.Browser.UserAgent
	browserCfg.ProxyURL = s.cfg.Browser.Proxy
	launcher := browser.NewChromeLauncher(browserCfg, s.logger)
	s.acquirer = acquire.New(launcher, acquire.Config{
		SessionTTL:    s.cfg.Session.TTL,
		MaxConcurrent: s.cfg.Browser.MaxSessions,
		Solver: acquire.SolverConfig{
			Service: s.cfg.Captcha.Service,
			APIKey:  s.cfg.Captcha.APIKey,
			Timeout: s.cfg.Captcha.Timeout,
		},
	}, s.logger)

	return nil
}

// initHandlers 注册上游适配器并装配请求处理器。
func (s *Server) initHandlers() error {
	s.registry = llm.NewRegistry()

	for _, id := range providerIDs {
		providerCfg := s.providerConfig(id)
		if providerCfg.Disabled {
			s.logger.Info("provider disabled by config", zap.String("provider", id))
			continue
		}
		// 没有凭据也没开游客的 provider 不注册，/v1/models 只登能服务的模型
		if s.credPool.ActiveCount(id) == 0 && !(id == "kimi" && s.cfg.Session.AnonymousMode) {
			s.logger.Info("provider has no credentials, skipping registration",
				zap.String("provider", id))
			continue
		}
		if err := s.registry.Register(s.buildProvider(id, providerCfg)); err != nil {
			return fmt.Errorf("register provider %s: %w", id, err)
		}
	}
	if s.registry.Len() == 0 {
		s.logger.Warn("no providers registered, only health endpoints will respond")
	}

	s.router = llm.NewRouter(s.registry, s.credPool, s.store, s.acquireFunc(), llm.RouterOptions{
		RequestTimeout: s.cfg.Server.RequestDeadline,
		Logger:         s.logger,
	})

	s.chatHandler = handlers.NewChatHandler(s.router, s.logger)
	s.imagesHandler = handlers.NewImagesHandler(s.router, s.logger)
	s.modelsHandler = handlers.NewModelsHandler(s.router, s.logger)
	if s.recorder != nil {
		s.chatHandler.WithAuditor(s.recorder)
		s.imagesHandler.WithAuditor(s.recorder)
	}

	s.healthHandler = handlers.NewHealthHandler(s.credPool, s.router, Version, s.logger)
	if s.auditPool != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.auditPool.Ping))
	}
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}

	s.logger.Info("Handlers initialized", zap.Int("models", s.registry.Len()))
	return nil
}

// buildProvider 构造单个上游适配器。BaseURL 留空用适配器内置默认。
func (s *Server) buildProvider(id string, cfg config.ProviderConfig) llm.Provider {
	switch id {
	case "glm":
		return glm.NewGLMProvider(providers.GLMConfig{BaseURL: cfg.BaseURL}, s.logger)
	case "qwen":
		return qwen.NewQwenProvider(providers.QwenConfig{BaseURL: cfg.BaseURL}, s.logger)
	default:
		return kimi.NewKimiProvider(providers.KimiConfig{BaseURL: cfg.BaseURL}, s.logger)
	}
}

// providerConfig 取某 provider 的配置段。
func (s *Server) providerConfig(id string) config.ProviderConfig {
	switch id {
	case "glm":
		return s.cfg.Providers.GLM
	case "qwen":
		return s.cfg.Providers.Qwen
	case "kimi":
		return s.cfg.Providers.Kimi
	}
	return config.ProviderConfig{}
}

// acquireFunc 把浏览器采集器适配成路由器的获取回调，并上报采集指标。
func (s *Server) acquireFunc() llm.AcquireFunc {
	return func(ctx context.Context, h *pool.Handle) (*session.Bundle, error) {
		start := time.Now()
		bundle, err := s.acquirer.Acquire(ctx, h.Credential, acquire.Hints{})
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		s.collector.RecordSessionAcquisition(h.Provider, outcome, time.Since(start))
		return bundle, err
	}
}

// =============================================================================
// 🔑 凭据播种与热加载
// =============================================================================

// seedCredentials 把配置与 token 文件里的凭据注册进池。
// 静态 token 即取即用不起浏览器，优先级高于密码登录。
func (s *Server) seedCredentials() {
	for _, id := range providerIDs {
		providerCfg := s.providerConfig(id)
		if providerCfg.Disabled {
			continue
		}
		if providerCfg.Email != "" {
			s.addCredential(pool.Credential{
				ID:       id + "-login",
				Provider: id,
				Kind:     pool.KindPassword,
				Label:    "config",
				Email:    providerCfg.Email,
				Password: providerCfg.Password,
				Priority: 0,
			})
		}
		if providerCfg.Token != "" {
			s.addCredential(pool.Credential{
				ID:       id + "-token",
				Provider: id,
				Kind:     pool.KindToken,
				Label:    "config",
				Token:    providerCfg.Token,
				Priority: 10,
			})
		}
		s.loadTokenCredentials(id)
	}
}

func (s *Server) addCredential(cred pool.Credential) {
	if err := s.credPool.Add(cred); err != nil {
		s.logger.Warn("credential not registered",
			zap.String("provider", cred.Provider),
			zap.String("credential_id", cred.ID),
			zap.Error(err))
	}
}

// loadTokenCredentials 读取 <token_dir>/<provider>.tokens 并注册新 token。
// 凭据 ID 带内容指纹：同一 token 重复加载天然去重（Add 拒绝重复 ID）。
func (s *Server) loadTokenCredentials(providerID string) int {
	tokens, err := config.ReadProviderTokens(s.cfg.Pool.TokenDir, providerID)
	if err != nil {
		s.logger.Warn("token file unreadable",
			zap.String("provider", providerID),
			zap.Error(err))
		return 0
	}
	added := 0
	for _, tok := range tokens {
		cred := pool.Credential{
			ID:       providerID + "-file-" + tokenFingerprint(tok),
			Provider: providerID,
			Kind:     pool.KindToken,
			Label:    "tokens file",
			Token:    tok,
			Priority: 10,
		}
		if err := s.credPool.Add(cred); err == nil {
			added++
		}
	}
	return added
}

// tokenFingerprint 返回 token 的短内容指纹，用作凭据 ID 后缀。
// 指纹不可逆推原文，日志与统计里只见指纹不见 token。
func tokenFingerprint(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:4])
}

// initTokenWatcher 监听 token 文件，运维追加凭据即刻生效无需重启。
// 文件被删除不回收已注册凭据：池里的凭据靠健康状态机淘汰。
func (s *Server) initTokenWatcher() error {
	if s.cfg.Pool.TokenDir == "" {
		return nil
	}

	paths := make([]string, 0, len(providerIDs))
	for _, id := range providerIDs {
		if s.providerConfig(id).Disabled {
			continue
		}
		paths = append(paths, config.TokenFilePath(s.cfg.Pool.TokenDir, id))
	}

	watcher, err := config.NewFileWatcher(paths, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	watcher.OnChange(func(event config.FileEvent) {
		if event.Op == config.FileOpRemove {
			return
		}
		id := strings.TrimSuffix(filepath.Base(event.Path), ".tokens")
		added := s.loadTokenCredentials(id)
		if added == 0 {
			return
		}
		s.logger.Info("token file reloaded",
			zap.String("provider", id),
			zap.Int("credentials_added", added))
		// 启动时没注册的 provider 不会因热加载出现模型，提醒一声
		if !slices.Contains(s.registry.Providers(), id) {
			s.logger.Warn("provider was not registered at startup, restart to serve it",
				zap.String("provider", id))
		}
	})
	if err := watcher.Start(s.bgCtx); err != nil {
		return err
	}

	s.tokenWatcher = watcher
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 装配路由与中间件链并启动主监听。
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康与身份端点
	mux.HandleFunc("/", s.healthHandler.HandleRoot)
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)

	// OpenAI 兼容端点
	mux.HandleFunc("/v1/chat/completions", s.chatHandler.HandleCompletion)
	mux.HandleFunc("/v1/models", s.modelsHandler.HandleList)
	mux.HandleFunc("/v1/images/generations", s.imagesHandler.HandleGenerate)

	if !authEnabled(s.cfg.Auth) {
		s.logger.Warn("client authentication disabled, all requests accepted")
	}

	// 中间件链；限流清理 goroutine 挂在背景 ctx 上
	skipAuthPaths := []string{"/", "/health", "/ready"}
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(s.bgCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	middlewares = append(middlewares, BearerAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:        fmt.Sprintf(":%d", s.cfg.Server.ListenPort),
		ReadTimeout: s.cfg.Server.ReadTimeout,
		// SSE 流持续写数分钟，主监听 WriteTimeout 必须为 0；
		// 墙钟上限由 request_deadline 在路由层强制。
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.ListenPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 在独立端口暴露 /metrics。metrics_port 为 0 时关闭。
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort <= 0 {
		s.logger.Info("metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🔄 背景循环
// =============================================================================

// poolRunLoop 驱动凭据池的冷却恢复。
func (s *Server) poolRunLoop() {
	defer s.wg.Done()
	s.credPool.Run(s.bgCtx)
}

// poolStatsLoop 周期性上报各 provider 的凭据状态计数。
func (s *Server) poolStatsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-ticker.C:
			s.reportPoolStats()
		}
	}
}

func (s *Server) reportPoolStats() {
	for provider, creds := range s.credPool.Stats() {
		var active, cooldown, disabled int
		for _, cs := range creds {
			switch cs.State {
			case pool.StateActive:
				active++
			case pool.StateCooldown:
				cooldown++
			case pool.StateDisabled:
				disabled++
			}
		}
		s.collector.RecordPoolCredentials(provider, active, cooldown, disabled)
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// httpManager 监听 SIGINT/SIGTERM
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 按依赖顺序关闭所有组件
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停背景循环：池维护、池指标、限流清理、token 监听
	if s.bgCancel != nil {
		s.bgCancel()
	}
	if s.tokenWatcher != nil {
		if err := s.tokenWatcher.Stop(); err != nil {
			s.logger.Error("Token watcher shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 浏览器登录闸门；HTTP 已停，不会再有新的采集进来
	if s.acquirer != nil {
		s.acquirer.Close()
	}

	// 5. 审计链：先排空写入缓冲再断连接
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Error("Audit recorder shutdown error", zap.Error(err))
		}
	}
	if s.auditPool != nil {
		if err := s.auditPool.Close(); err != nil {
			s.logger.Error("Audit database shutdown error", zap.Error(err))
		}
	}

	// 6. Redis 会话镜像
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}

	// 7. 遥测
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 8. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
