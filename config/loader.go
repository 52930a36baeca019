// =============================================================================
// 📦 sessionflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 sessionflow 网关的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Auth 客户端鉴权配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Session 会话包存储配置
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Pool 凭据池配置
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Captcha 外部打码服务配置
	Captcha CaptchaConfig `yaml:"captcha" env:"CAPTCHA"`

	// Providers 各上游 provider 的凭据
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Browser 登录浏览器配置
	Browser BrowserConfig `yaml:"browser" env:"BROWSER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Database 审计库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 会话镜像缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 监听端口
	ListenPort int `yaml:"listen_port" env:"LISTEN_PORT"`
	// Metrics 监听端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时。0 表示不限制——SSE 流的写出时长由 request_deadline 管。
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 单个请求的墙钟上限（含流式）
	RequestDeadline time.Duration `yaml:"request_deadline" env:"REQUEST_DEADLINE"`
	// 每客户端限流速率，0 表示关闭
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发额度
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// AuthConfig 客户端鉴权配置
type AuthConfig struct {
	// 客户端必须携带的 Bearer token；为空视为不鉴权
	Token string `yaml:"token" env:"TOKEN"`
	// 显式关闭鉴权
	SkipAuth bool `yaml:"skip_auth" env:"SKIP_AUTH"`
}

// SessionConfig 会话包存储配置
type SessionConfig struct {
	// 会话包目录
	Dir string `yaml:"dir" env:"DIR"`
	// 会话包生存期
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 静态加密密钥；为空表示明文存储（启动时告警）
	Key string `yaml:"key" env:"KEY"`
	// 池空时允许合成游客凭据
	AnonymousMode bool `yaml:"anonymous_mode" env:"ANONYMOUS_MODE"`
}

// PoolConfig 凭据池配置
type PoolConfig struct {
	// 连续失败多少次进入冷却
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// 冷却时长
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	// 静态 token 文件目录（<dir>/<provider>.tokens）
	TokenDir string `yaml:"token_dir" env:"TOKEN_DIR"`
}

// CaptchaConfig 外部打码服务配置
type CaptchaConfig struct {
	// 服务商标识，目前支持 2captcha 方言
	Service string `yaml:"service" env:"SERVICE"`
	// API Key；为空表示未接入打码服务
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 单次打码等待上限
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ProvidersConfig 各 provider 凭据配置
type ProvidersConfig struct {
	GLM  ProviderConfig `yaml:"glm" env:"GLM"`
	Qwen ProviderConfig `yaml:"qwen" env:"QWEN"`
	Kimi ProviderConfig `yaml:"kimi" env:"KIMI"`
}

// ProviderConfig 单个 provider 的凭据与端点覆盖
type ProviderConfig struct {
	// 登录邮箱
	Email string `yaml:"email" env:"EMAIL"`
	// 登录密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 静态 token（等价于 token 文件里的一行）
	Token string `yaml:"token" env:"TOKEN"`
	// 上游端点覆盖，留空用内置默认；测试用
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 整体停用该 provider
	Disabled bool `yaml:"disabled" env:"DISABLED"`
}

// Configured 报告该 provider 是否有任何可用凭据来源。
func (p ProviderConfig) Configured() bool {
	return p.Email != "" || p.Token != ""
}

// BrowserConfig 登录浏览器配置
type BrowserConfig struct {
	// 无头模式
	Headless bool `yaml:"headless" env:"HEADLESS"`
	// Chrome 可执行文件路径，留空自动探测
	ExecPath string `yaml:"exec_path" env:"EXEC_PATH"`
	// UA 覆盖
	UserAgent string `yaml:"user_agent" env:"USER_AGENT"`
	// 代理地址
	Proxy string `yaml:"proxy" env:"PROXY"`
	// 同时登录的浏览器上限；0 表示不限
	MaxSessions int `yaml:"max_sessions" env:"MAX_SESSIONS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 按请求逐步的详细跟踪
	DebugLogging bool `yaml:"debug_logging" env:"DEBUG_LOGGING"`
}

// DatabaseConfig 审计库配置
type DatabaseConfig struct {
	// 是否写审计记录
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机（postgres/mysql）
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 驱动下是文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式（postgres）
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig 会话镜像缓存配置
type RedisConfig struct {
	// 是否启用镜像；镜像永远是尽力而为，不影响主流程
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SESSIONFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ListenPort <= 0 || c.Server.ListenPort > 65535 {
		errs = append(errs, "invalid listen port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.ListenPort {
		errs = append(errs, "metrics port must differ from listen port")
	}
	if c.Server.RequestDeadline <= 0 {
		errs = append(errs, "request_deadline must be positive")
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, "session ttl must be positive")
	}
	if c.Session.Dir == "" {
		errs = append(errs, "session dir must not be empty")
	}

	if c.Pool.FailureThreshold <= 0 {
		errs = append(errs, "pool failure_threshold must be positive")
	}
	if c.Pool.RecoveryTimeout <= 0 {
		errs = append(errs, "pool recovery_timeout must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if c.Database.Enabled {
		switch c.Database.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
		}
		if c.Database.Name == "" {
			errs = append(errs, "database name must not be empty when audit is enabled")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis addr must not be empty when the mirror is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回审计库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
