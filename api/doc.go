// Package api defines the OpenAI-compatible wire types served by the
// sessionflow gateway.
//
// # API Overview
//
// The public surface is a subset of the OpenAI REST API:
//   - POST /v1/chat/completions — chat completions, streaming and blocking
//   - GET  /v1/models           — union of models across registered providers
//   - POST /v1/images/generations — image generation via -Image models
//   - GET  /health, GET /       — liveness and identity
//
// Responses match OpenAI exactly, including SSE framing for streams
// (`data: {...}\n\n` per event, `data: [DONE]\n\n` terminator) and the
// error envelope:
//
//	{"error": {"message": "...", "type": "...", "code": "..."}}
//
// # Authentication
//
// Requests authenticate with a bearer token:
//
//	Authorization: Bearer <gateway-token>
//
// The operator may disable authentication entirely, in which case the
// header is accepted but ignored.
//
// # Content 形态
//
// OpenAI 的 message.content 在线格式上有两种形态：纯字符串，或由
// text/image_url/file 分部组成的数组。MessageContent 同时接受两者并在
// 内部统一为 types.Message；适配器据此决定哪些分部可以送往上游。
package api
