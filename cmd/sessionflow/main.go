// =============================================================================
// sessionflow 主入口
// =============================================================================
// OpenAI 兼容网关进程，包含 HTTP 服务、健康检查、Prometheus 指标
//
// 使用方法:
//
//	sessionflow serve                       # 启动网关
//	sessionflow serve --config config.yaml  # 指定配置文件
//	sessionflow check --config config.yaml  # 校验配置并打印生效模型表
//	sessionflow version                     # 显示版本信息
//	sessionflow health                      # 健康检查
//	sessionflow migrate up                  # 运行审计库迁移
//	sessionflow migrate down                # 回滚最后一次迁移
//	sessionflow migrate status              # 查看迁移状态
// =============================================================================

// @title SessionFlow API
// @version 1.0.0
// @description SessionFlow is an OpenAI-compatible gateway that multiplexes chat-completion traffic across browser-session-authenticated upstream providers.
// @description
// @description ## Features
// @description - OpenAI-shape chat completions, model listing and image generation
// @description - Credential pool with failure scoring, cool-down and hot-reloaded token files
// @description - Browser-driven session acquisition (GLM, Qwen, Kimi) with captcha solving
// @description - Streaming responses via SSE

// @contact.name SessionFlow Team
// @contact.url https://github.com/BaSui01/sessionflow

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Bearer token clients must present; absent auth config disables the check

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/sessionflow/config"
	"github.com/BaSui01/sessionflow/internal/telemetry"
	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/providers"
	"github.com/BaSui01/sessionflow/providers/glm"
	"github.com/BaSui01/sessionflow/providers/kimi"
	"github.com/BaSui01/sessionflow/providers/qwen"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "check":
		runCheck(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	// 解析命令行参数
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	// 加载配置
	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting SessionFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// Initialize OpenTelemetry
	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	// 创建网关（传入配置文件路径，便于日志定位）
	server := NewServer(cfg, *configPath, logger, otelProviders)

	// 启动网关
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// 等待关闭信号
	server.WaitForShutdown()

	logger.Info("SessionFlow stopped")
}

// =============================================================================
// ✅ check 命令
// =============================================================================

// runCheck 校验配置并打印生效的 provider/模型表。只做纯内存装配，
// 不监听端口、不读凭据文件、不发任何网络请求。
func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration OK")
	fmt.Printf("  listen      :%d\n", cfg.Server.ListenPort)
	fmt.Printf("  metrics     :%d\n", cfg.Server.MetricsPort)
	fmt.Printf("  session dir %s (ttl %s, anonymous %v)\n",
		cfg.Session.Dir, cfg.Session.TTL, cfg.Session.AnonymousMode)

	sections := []struct {
		id  string
		cfg config.ProviderConfig
	}{
		{"glm", cfg.Providers.GLM},
		{"qwen", cfg.Providers.Qwen},
		{"kimi", cfg.Providers.Kimi},
	}

	nop := zap.NewNop()
	for _, sec := range sections {
		if sec.cfg.Disabled {
			fmt.Printf("\n%s: disabled\n", sec.id)
			continue
		}

		var prov llm.Provider
		switch sec.id {
		case "glm":
			prov = glm.NewGLMProvider(providers.GLMConfig{BaseURL: sec.cfg.BaseURL}, nop)
		case "qwen":
			prov = qwen.NewQwenProvider(providers.QwenConfig{BaseURL: sec.cfg.BaseURL}, nop)
		default:
			prov = kimi.NewKimiProvider(providers.KimiConfig{BaseURL: sec.cfg.BaseURL}, nop)
		}

		// 凭据来源只看配置段；token 目录的播种结果要到 serve 时才知道
		state := "credentials configured"
		switch {
		case sec.cfg.Configured():
		case sec.id == "kimi" && cfg.Session.AnonymousMode:
			state = "anonymous mode"
		default:
			state = "no credentials in config"
		}
		fmt.Printf("\n%s (%s):\n", sec.id, state)
		if sec.cfg.BaseURL != "" {
			fmt.Printf("  base_url %s\n", sec.cfg.BaseURL)
		}
		for _, m := range prov.Models() {
			if m.Upstream != "" && m.Upstream != m.Name {
				fmt.Printf("  %-16s -> %s\n", m.Name, m.Upstream)
			} else {
				fmt.Printf("  %s\n", m.Name)
			}
		}
	}
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("SessionFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`SessionFlow - OpenAI-compatible session gateway

Usage:
  sessionflow <command> [options]

Commands:
  serve     Start the gateway
  check     Validate config and print the effective model table
  migrate   Audit database migration commands
  version   Show version information
  health    Check gateway health
  help      Show this help message

Options for 'serve' and 'check':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version
  migrate goto <v>  Migrate to a specific version
  migrate force <v> Force set migration version
  migrate reset     Rollback all migrations

Examples:
  sessionflow serve
  sessionflow serve --config /etc/sessionflow/config.yaml
  sessionflow check --config /etc/sessionflow/config.yaml
  sessionflow migrate up
  sessionflow migrate status
  sessionflow health --addr http://localhost:8080
  sessionflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别；debug_logging 直接压到 debug
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}
	if cfg.DebugLogging {
		level = zapcore.DebugLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// 构建配置
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	} else {
		zapConfig.Encoding = "json"
	}

	// 构建 logger
	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
