// 版权所有 2024 SessionFlow Authors。
// 基于 MIT 许可证发布。

/*
Package main 提供 SessionFlow 网关的可执行入口。

# 概述

cmd/sessionflow 是 OpenAI 兼容网关的主程序，提供 HTTP API 服务、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及 token 文件热加载。

# 核心类型

  - Server            — 主服务器，装配凭据池/会话栈/路由并管理双端口与优雅关闭
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - migrateOpts       — migrate 子命令共享的数据库连接参数
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动网关）、migrate（数据库迁移）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、RateLimiter（基于 IP）、BearerAuth
  - 凭据播种：配置里的账号/token 与 <token_dir>/<provider>.tokens 文件，
    文件变更由 FileWatcher 监听并增量注册
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停 watcher → 关 HTTP/Metrics → 排空审计 → Wait
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
