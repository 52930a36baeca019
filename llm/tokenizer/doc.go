// Package tokenizer 提供统一的 Token 计数接口，
// 支持 tiktoken 近似计数与 CJK 估算器。上游消费端接口不回报 usage，
// 适配器用本包在响应里合成 prompt/completion token 数。
package tokenizer
