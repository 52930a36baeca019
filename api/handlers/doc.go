// 版权所有 2024 SessionFlow Authors。
// 基于 MIT 许可证发布。

/*
Package handlers 提供 sessionflow 网关 HTTP 端点的请求处理器实现。

# 概述

handlers 包实现网关对外的 OpenAI 兼容端点：聊天补全（同步与 SSE 流式）、
模型列表、图像生成，以及健康检查与根端点身份。所有 Handler 均遵循标准
net/http 接口；路由编排（凭据租借、会话获取、上游重试）在 llm.Router
内完成，处理器只做线格式转换与校验。

# 核心类型

  - ChatHandler    — 聊天补全处理器，按 stream 字段在同一端点分流
  - ModelsHandler  — /v1/models，注册表模型并集
  - ImagesHandler  — /v1/images/generations，路由到 -Image 模型
  - HealthHandler  — /health（含凭据池摘要）、/ready、/（身份）
  - ResponseWriter — 包装 http.ResponseWriter 以捕获状态码，透传 Flush

# 错误处理

处理器不自造错误格式：内部 *types.Error 统一经 WriteError 映射为
OpenAI 错误信封 {"error":{message,type,code}}，HTTP 状态码按错误码
折算（400 无效请求、401 鉴权、404 未知模型、429 限流、502/504 上游）。
*/
package handlers
