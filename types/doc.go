// Copyright (c) SessionFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 sessionflow 网关的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm、providers、session、
api 等上层模块提供统一的类型契约。所有跨包共享的消息结构、内容分段和
错误码均定义于此，以避免循环依赖。

# 核心类型

  - Message           — 对话消息（Role、Content、Parts、ToolCalls、ReasoningContent）
  - ContentPart       — 多模态内容分段（text / image_url / file）
  - ToolCall          — 模型发起的工具调用
  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记

# 错误码分层

  - 请求与路由：BAD_REQUEST、UNKNOWN_MODEL、UNSUPPORTED_CONTENT_PART
  - 上游调用：UPSTREAM_RATE_LIMITED、UPSTREAM_UNAVAILABLE、UPSTREAM_TIMEOUT
  - 会话获取：CREDENTIALS_REJECTED、CHALLENGE_UNSOLVED、BROWSER_LAUNCH_FAILED、
    NAVIGATION_TIMEOUT、HARVEST_FAILED

只有路由层将 ErrorCode 转换为 OpenAI 风格的错误信封；下层组件始终返回
类型化错误。
*/
package types
