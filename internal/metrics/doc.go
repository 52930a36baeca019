// 版权所有 2024 SessionFlow Authors。保留所有权利。
// 此源代码的使用受 MIT 许可规范，该许可可以
// 在 LICENSE 文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、上游转发、会话获取、凭据池、缓存与审计库六大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 上游转发指标：请求总数、请求耗时、转发的 Token 用量
    （prompt/completion），按 provider/model 分组。
  - 会话获取指标：浏览器登录次数与耗时，按 provider/outcome 分组，
    登录动辄数十秒，耗时桶一直铺到 240s。
  - 凭据池指标：各 provider 按 active/cooldown/disabled 状态的
    凭据数量 Gauge，每次全量刷写避免旧状态残留。
  - 缓存指标：会话镜像的命中与未命中计数，按 cache_type 分组。
  - 审计库指标：活跃/空闲连接数 Gauge、写入耗时 Histogram，
    按 database/operation 分组。
*/
package metrics
