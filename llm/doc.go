// 版权所有 2024 SessionFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 是网关的模型接入层：解析公开模型名、选择凭据与会话、把请求派发给
对应的 Provider 适配器，并把结果折合回统一的聊天模型。

# 概述

上游是若干面向消费者的对话服务（GLM 系、Qwen 系、K2 系），它们没有公开的
OpenAI 接口，鉴权依赖浏览器会话。本包屏蔽这些差异：对上层 API 暴露一致的
请求、响应与流式分片结构，对下游适配器提供已解析的模型描述与模式标志。

# 模型名解析

公开模型名由基础模型与零个或多个模式后缀组成，如 GLM-4.5-Thinking、
qwen3-max-Search-thinking。[ParseModelName] 从右向左贪心剥离后缀，剩余的
基础名必须在 [Registry] 中注册，否则请求以 UNKNOWN_MODEL 失败。后缀可以
任意组合与排序，语义等价。

# 核心接口与类型

  - [Provider]：适配器接口，提供 Name / Models / Completion / Stream
  - [ImageGenerator]：支持文生图的适配器额外实现
  - [ModelDescriptor]：基础模型描述（公开名、上游内部名、特性标志）
  - [ModeFlags]：后缀解析出的模式标志（思考、搜索、生图等）
  - [Auth]：单次调用的鉴权材料（会话 Bundle 与可选静态 token）
  - [ChatRequest] / [ChatResponse] / [StreamChunk]：统一聊天模型

# 路由与重试

[Router] 是唯一的编排点：

  - 解析模型名并合并调用方预置的模式标志。
  - 从凭据池 checkout，经会话仓库 get_or_acquire 拿到 Bundle。
  - 上游返回 401/403 时：作废会话、凭据记鉴权失败、取新会话重试一次。
  - 429/5xx 的指数退避重试在适配器内部完成，路由层不重复重试。
  - 每次 checkout 恰好回报一次 outcome，供池做冷却与恢复。

# 相关子包

- llm/streaming：SSE 写出与增量聚合。
- llm/tokenizer：本地 token 估算，用于合成上游缺失的 usage。
*/
package llm
