package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/api"
	"github.com/BaSui01/sessionflow/internal/audit"
	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/llm/streaming"
	"github.com/BaSui01/sessionflow/types"
)

// =============================================================================
// 💬 聊天补全 Handler
// =============================================================================

// ChatService is the slice of the router the chat surface consumes.
type ChatService interface {
	Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

// ChatHandler 聊天补全处理器，同一端点按 stream 字段分流。
type ChatHandler struct {
	service ChatService
	logger  *zap.Logger
	auditor Auditor
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(service ChatService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger,
	}
}

// WithAuditor 挂接审计写入器，返回处理器自身以便链式装配。
func (h *ChatHandler) WithAuditor(a Auditor) *ChatHandler {
	h.auditor = a
	return h
}

func (h *ChatHandler) audit(rec audit.RequestLog) {
	if h.auditor != nil {
		h.auditor.Record(rec)
	}
}

// HandleCompletions 处理聊天补全请求
// @Summary 聊天补全
// @Description OpenAI 兼容的聊天补全端点，stream=true 时返回 SSE 流
// @Tags 聊天
// @Accept json
// @Produce json
// @Produce text/event-stream
// @Param request body api.ChatCompletionRequest true "聊天请求"
// @Success 200 {object} api.ChatCompletionResponse "补全响应"
// @Failure 400 {object} api.ErrorEnvelope "无效请求"
// @Failure 401 {object} api.ErrorEnvelope "鉴权失败"
// @Failure 404 {object} api.ErrorEnvelope "未知模型"
// @Router /v1/chat/completions [post]
func (h *ChatHandler) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	var req api.ChatCompletionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	llmReq := convertChatRequest(&req, RequestID(r))

	if req.Stream {
		h.streamCompletion(w, r, llmReq)
		return
	}
	h.blockingCompletion(w, r, llmReq)
}

func (h *ChatHandler) blockingCompletion(w http.ResponseWriter, r *http.Request, llmReq *llm.ChatRequest) {
	start := time.Now()
	rec := auditBase(r, llmReq.Model, false)

	resp, err := h.service.Completion(r.Context(), llmReq)
	if err != nil {
		auditFailure(&rec, err)
		rec.DurationMs = time.Since(start).Milliseconds()
		h.audit(rec)
		WriteErrorFrom(w, err, h.logger)
		return
	}

	h.logger.Info("chat completion",
		zap.String("request_id", llmReq.RequestID),
		zap.String("model", llmReq.Model),
		zap.String("provider", resp.Provider),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	rec.Provider = resp.Provider
	rec.CredentialID = resp.CredentialID
	rec.StatusCode = http.StatusOK
	rec.PromptTokens = resp.Usage.PromptTokens
	rec.CompletionTokens = resp.Usage.CompletionTokens
	rec.TotalTokens = resp.Usage.TotalTokens
	rec.DurationMs = time.Since(start).Milliseconds()
	h.audit(rec)

	WriteJSON(w, http.StatusOK, completionResponse(resp, llmReq.Model))
}

func (h *ChatHandler) streamCompletion(w http.ResponseWriter, r *http.Request, llmReq *llm.ChatRequest) {
	start := time.Now()
	rec := auditBase(r, llmReq.Model, true)

	// 先建流：建立前的失败仍然能以普通 JSON 信封返回正确状态码。
	source, err := h.service.Stream(r.Context(), llmReq)
	if err != nil {
		auditFailure(&rec, err)
		rec.DurationMs = time.Since(start).Milliseconds()
		h.audit(rec)
		WriteErrorFrom(w, err, h.logger)
		return
	}

	pipe, err := streaming.NewPipe(w, h.logger)
	if err != nil {
		apiErr := types.NewError(types.ErrInternalError, "streaming unsupported by connection").
			WithCause(err)
		auditFailure(&rec, apiErr)
		rec.DurationMs = time.Since(start).Milliseconds()
		h.audit(rec)
		WriteError(w, apiErr, h.logger)
		return
	}

	completionID := newCompletionID()
	created := time.Now().Unix()
	// frame 在转发之余顺手捕获审计字段：提供方与凭据取首个非空值，
	// 用量取最后一次上报（终帧才带完整统计）。Relay 同步执行，无竞争。
	frame := func(chunk llm.StreamChunk) any {
		if rec.Provider == "" {
			rec.Provider = chunk.Provider
		}
		if rec.CredentialID == "" {
			rec.CredentialID = chunk.CredentialID
		}
		if chunk.Usage != nil {
			rec.PromptTokens = chunk.Usage.PromptTokens
			rec.CompletionTokens = chunk.Usage.CompletionTokens
			rec.TotalTokens = chunk.Usage.TotalTokens
		}
		return streamChunkEvent(chunk, completionID, created, llmReq.Model)
	}
	fail := func(e *types.Error) any {
		return api.NewErrorEnvelope(e)
	}

	err = pipe.Relay(r.Context(), source, frame, fail)
	// SSE 一旦开写，HTTP 状态已定格为 200；流中失败只能以带内错误码入账。
	rec.StatusCode = http.StatusOK
	rec.DurationMs = time.Since(start).Milliseconds()
	switch {
	case err == nil:
		h.logger.Info("chat stream finished",
			zap.String("request_id", llmReq.RequestID),
			zap.String("model", llmReq.Model),
			zap.Int("events", pipe.Events()),
			zap.Duration("duration", time.Since(start)),
		)
	case errors.Is(err, context.Canceled):
		rec.ErrorCode = "client_disconnected"
		h.logger.Debug("client disconnected mid-stream",
			zap.String("request_id", llmReq.RequestID),
			zap.String("model", llmReq.Model),
			zap.Int("events", pipe.Events()),
		)
	default:
		if typed := types.AsError(err); typed != nil {
			rec.ErrorCode = auditCode(typed.Code)
			if rec.Provider == "" {
				rec.Provider = typed.Provider
			}
		} else {
			rec.ErrorCode = auditCode(types.ErrInternalError)
		}
		h.logger.Warn("chat stream ended with error",
			zap.String("request_id", llmReq.RequestID),
			zap.String("model", llmReq.Model),
			zap.Int("events", pipe.Events()),
			zap.Error(err),
		)
	}
	h.audit(rec)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// validateChatRequest 验证聊天请求
func validateChatRequest(req *api.ChatCompletionRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrBadRequest, "model is required")
	}
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrBadRequest, "messages cannot be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrBadRequest, "temperature must be between 0 and 2")
	}
	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrBadRequest, "top_p must be between 0 and 1")
	}
	return nil
}

// convertChatRequest 转换为内部请求形态
func convertChatRequest(req *api.ChatCompletionRequest, requestID string) *llm.ChatRequest {
	messages := make([]types.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = m.ToMessage()
	}

	var tools []types.ToolSchema
	for _, t := range req.Tools {
		tools = append(tools, t.ToSchema())
	}

	return &llm.ChatRequest{
		RequestID:   requestID,
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        []string(req.Stop),
		Tools:       tools,
		ToolChoice:  toolChoiceString(req.ToolChoice),
	}
}

// toolChoiceString 把 tool_choice 的字符串与对象两种形态折叠成一个名字。
func toolChoiceString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Function.Name
	}
	return ""
}

// completionResponse 转换为 OpenAI 响应信封
func completionResponse(resp *llm.ChatResponse, model string) api.ChatCompletionResponse {
	id := resp.ID
	if id == "" {
		id = newCompletionID()
	}
	created := resp.CreatedAt.Unix()
	if resp.CreatedAt.IsZero() {
		created = time.Now().Unix()
	}

	choices := make([]api.ChatCompletionChoice, len(resp.Choices))
	for i, c := range resp.Choices {
		role := string(c.Message.Role)
		if role == "" {
			role = string(types.RoleAssistant)
		}
		choices[i] = api.ChatCompletionChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message: api.AssistantMessage{
				Role:             role,
				Content:          c.Message.Content,
				ReasoningContent: c.Message.ReasoningContent,
				ToolCalls:        api.ToolCallsFromTypes(c.Message.ToolCalls),
			},
		}
	}

	return api.ChatCompletionResponse{
		ID:      id,
		Object:  api.ObjectChatCompletion,
		Created: created,
		Model:   model,
		Choices: choices,
		Usage: api.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// streamChunkEvent 转换一个内部流块为 OpenAI chat.completion.chunk 事件。
// 上游没给 ID 时沿用网关为本次请求合成的 ID，保证整条流 ID 一致。
func streamChunkEvent(chunk llm.StreamChunk, fallbackID string, created int64, model string) any {
	id := chunk.ID
	if id == "" {
		id = fallbackID
	}

	choice := api.ChunkChoice{
		Index: chunk.Index,
		Delta: api.ChunkDelta{
			Role:             string(chunk.Delta.Role),
			Content:          chunk.Delta.Content,
			ReasoningContent: chunk.Delta.ReasoningContent,
			ToolCalls:        api.ToolCallsFromTypes(chunk.Delta.ToolCalls),
		},
	}
	if chunk.FinishReason != "" {
		fr := chunk.FinishReason
		choice.FinishReason = &fr
	}

	out := api.ChatCompletionChunk{
		ID:      id,
		Object:  api.ObjectChatCompletionChunk,
		Created: created,
		Model:   model,
		Choices: []api.ChunkChoice{choice},
	}
	if chunk.Usage != nil {
		out.Usage = &api.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return out
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
