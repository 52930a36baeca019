package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/sessionflow/types"
)

// =============================================================================
// 聊天补全（OpenAI 线格式）
// =============================================================================

// Object types reported on the wire.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectModel               = "model"
	ObjectList                = "list"
)

// ChatCompletionRequest 是标准的 OpenAI 聊天补全请求体。
// 网关只消费其中的子集；未知字段被忽略而不是拒绝，保持与各类客户端兼容。
// @Description OpenAI 聊天补全请求
type ChatCompletionRequest struct {
	// 公开模型名，可携带模式后缀（-Thinking、-Search、-Image…）
	Model string `json:"model"`
	// 对话消息
	Messages []ChatMessage `json:"messages"`
	// 是否流式返回
	Stream bool `json:"stream,omitempty"`
	// 流式选项
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	// 生成的最大 token 数
	MaxTokens int `json:"max_tokens,omitempty"`
	// 采样温度（0-2）
	Temperature float32 `json:"temperature,omitempty"`
	// 核采样参数（0-1）
	TopP float32 `json:"top_p,omitempty"`
	// 存在惩罚（-2 到 2）
	PresencePenalty float32 `json:"presence_penalty,omitempty"`
	// 频率惩罚（-2 到 2）
	FrequencyPenalty float32 `json:"frequency_penalty,omitempty"`
	// 停止序列：字符串或字符串数组
	Stop StopSequences `json:"stop,omitempty"`
	// 函数调用工具
	Tools []Tool `json:"tools,omitempty"`
	// 工具选择：字符串（auto/none）或对象，原样透传
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
	// 终端用户标识
	User string `json:"user,omitempty"`
}

// StreamOptions mirrors OpenAI's stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// StopSequences accepts OpenAI's stop field, which is either a single
// string or an array of strings on the wire.
type StopSequences []string

// UnmarshalJSON 同时接受 "stop" 的字符串与数组两种形态。
func (s *StopSequences) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*s = nil
		return nil
	}
	if trimmed[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StopSequences{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StopSequences(many)
	return nil
}

// MarshalJSON emits the array form.
func (s StopSequences) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(s))
}

// ChatMessage 是请求侧的一条对话消息。
// @Description 对话消息
type ChatMessage struct {
	// 角色（system、user、assistant、tool）
	Role string `json:"role"`
	// 内容：字符串或分部数组
	Content MessageContent `json:"content"`
	// 可选名称
	Name string `json:"name,omitempty"`
	// assistant 消息携带的工具调用
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// tool 消息回填的调用 ID
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// MessageContent 持有 OpenAI content 字段的两种形态：纯字符串，或
// text/image_url/file 分部数组。Parts 为 nil 时表示字符串形态。
type MessageContent struct {
	Text  string
	Parts []types.ContentPart
}

// UnmarshalJSON 按首字节区分字符串与数组形态。
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*c = MessageContent{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		c.Parts = nil
		return json.Unmarshal(data, &c.Text)
	case '[':
		c.Text = ""
		return json.Unmarshal(data, &c.Parts)
	}
	return fmt.Errorf("content must be a string or an array of content parts")
}

// MarshalJSON round-trips whichever form was parsed.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// ToMessage converts the wire message into the internal form.
func (m ChatMessage) ToMessage() types.Message {
	out := types.Message{
		Role:       types.Role(m.Role),
		Content:    m.Content.Text,
		Parts:      m.Content.Parts,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

// =============================================================================
// 工具调用（OpenAI 线格式）
// =============================================================================

// Tool is one entry of the request's tools array.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the function schema inside a Tool.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToSchema converts the wire tool into the internal schema form.
func (t Tool) ToSchema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.Function.Name,
		Description: t.Function.Description,
		Parameters:  t.Function.Parameters,
	}
}

// ToolCall is a function invocation as it appears on the wire. OpenAI
// transports arguments as a JSON-encoded string, not a nested object.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function part of a wire tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallsFromTypes converts internal tool calls to their wire form.
func ToolCallsFromTypes(calls []types.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: FunctionCall{Name: tc.Name, Arguments: string(tc.Arguments)},
		}
	}
	return out
}

// =============================================================================
// 响应类型
// =============================================================================

// ChatCompletionResponse 是非流式补全的完整响应。
// @Description OpenAI 聊天补全响应
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

// ChatCompletionChoice is one completion alternative.
type ChatCompletionChoice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// AssistantMessage 是响应里的 assistant 消息；思考模式额外携带
// reasoning_content。
type AssistantMessage struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// Usage 是 token 用量统计。
// @Description token 用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk 是流式响应的一个 SSE 事件。
// @Description OpenAI 流式补全块
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is one choice slot of a stream chunk. FinishReason is a
// pointer so intermediate chunks serialize the explicit null OpenAI
// clients expect.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental message fragment.
type ChunkDelta struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// =============================================================================
// 模型列表
// =============================================================================

// Model is one entry of the /v1/models listing.
// @Description 模型条目
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response.
// @Description 模型列表响应
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// =============================================================================
// 图像生成
// =============================================================================

// ImageGenerationRequest 是 /v1/images/generations 的请求体。
// @Description 图像生成请求
type ImageGenerationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	// Size 形如 "1920x1080"；上游按其宽高比派生 aspect_ratio。
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	User           string `json:"user,omitempty"`
}

// ImageGenerationResponse carries the generated image references.
// @Description 图像生成响应
type ImageGenerationResponse struct {
	Created int64   `json:"created"`
	Data    []Image `json:"data"`
}

// Image is one generated image reference.
type Image struct {
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// =============================================================================
// 错误信封
// =============================================================================

// ErrorEnvelope 是 OpenAI 风格的错误响应体：
//
//	{"error": {"message": "...", "type": "...", "code": "..."}}
//
// @Description 错误响应
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner error object.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorEnvelope shapes an internal error into the wire envelope. Code
// is the lowercased internal error code, e.g. "unknown_model".
func NewErrorEnvelope(err *types.Error) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorBody{
		Message: err.Message,
		Type:    errorType(err.Code),
		Code:    strings.ToLower(string(err.Code)),
	}}
}

// errorType 把内部错误码折叠成 OpenAI 的四个错误类别。
func errorType(code types.ErrorCode) string {
	switch code {
	case types.ErrBadRequest, types.ErrUnknownModel, types.ErrUnsupportedContentPart:
		return "invalid_request_error"
	case types.ErrUnauthorized, types.ErrAuthenticationFailed, types.ErrCredentialsRejected:
		return "authentication_error"
	case types.ErrRateLimited, types.ErrUpstreamRateLimited:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}
