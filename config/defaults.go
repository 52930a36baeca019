// =============================================================================
// 📦 sessionflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Auth:      DefaultAuthConfig(),
		Session:   DefaultSessionConfig(),
		Pool:      DefaultPoolConfig(),
		Captcha:   DefaultCaptchaConfig(),
		Providers: ProvidersConfig{},
		Browser:   DefaultBrowserConfig(),
		Log:       DefaultLogConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenPort:      8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // SSE 流不设写超时
		ShutdownTimeout: 15 * time.Second,
		RequestDeadline: 120 * time.Second,
		RateLimitRPS:    0, // 默认关闭限流
		RateLimitBurst:  200,
	}
}

// DefaultAuthConfig 返回默认鉴权配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Token:    "",
		SkipAuth: false,
	}
}

// DefaultSessionConfig 返回默认会话存储配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Dir:           "data/sessions",
		TTL:           12 * time.Hour,
		Key:           "",
		AnonymousMode: false,
	}
}

// DefaultPoolConfig 返回默认凭据池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Minute,
		TokenDir:         "data/tokens",
	}
}

// DefaultCaptchaConfig 返回默认打码服务配置
func DefaultCaptchaConfig() CaptchaConfig {
	return CaptchaConfig{
		Service: "2captcha",
		APIKey:  "",
		Timeout: 120 * time.Second,
	}
}

// DefaultBrowserConfig 返回默认浏览器配置
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless:    true,
		MaxSessions: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		DebugLogging: false,
	}
}

// DefaultDatabaseConfig 返回默认审计库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Enabled:         true,
		Driver:          "sqlite",
		Name:            "data/sessionflow.db",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "sessionflow",
		SampleRate:   0.1,
	}
}
