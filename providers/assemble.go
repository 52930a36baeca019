package providers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/types"
)

// Emit sends a chunk unless the context has ended. It reports whether the
// chunk was delivered; stream pumps stop on false so a gone consumer never
// strands the goroutine.
func Emit(ctx context.Context, out chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Collect drains a chunk stream into one assembled completion envelope.
// 非流式模式走这里：适配器内部照样拉流，拼完再一次性返回。
// Usage missing from the upstream is synthesized locally.
func Collect(ctx context.Context, req *llm.ChatRequest, ch <-chan llm.StreamChunk) (*llm.ChatResponse, error) {
	var (
		content   strings.Builder
		reasoning strings.Builder
		toolCalls []types.ToolCall
		finish    string
		usage     *llm.ChatUsage
		id        string
		provider  string
	)
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.ID != "" {
			id = chunk.ID
		}
		if chunk.Provider != "" {
			provider = chunk.Provider
		}
		content.WriteString(chunk.Delta.Content)
		reasoning.WriteString(chunk.Delta.ReasoningContent)
		toolCalls = append(toolCalls, chunk.Delta.ToolCalls...)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	// The pump guarantees a terminal chunk unless the caller went away.
	if finish == "" {
		if err := ctx.Err(); err != nil {
			if err == context.DeadlineExceeded {
				return nil, types.NewError(types.ErrUpstreamTimeout, "completion aborted by deadline").
					WithCause(err).WithProvider(provider).WithHTTPStatus(http.StatusGatewayTimeout)
			}
			return nil, types.NewError(types.ErrUpstreamUnavailable, "completion canceled").
				WithCause(err).WithProvider(provider).WithHTTPStatus(http.StatusBadGateway)
		}
		finish = FinishStop
	}

	msg := types.Message{
		Role:             types.RoleAssistant,
		Content:          content.String(),
		ReasoningContent: reasoning.String(),
		ToolCalls:        toolCalls,
	}
	if usage == nil {
		u := SynthesizeUsage(req.Base.Name, req.Messages, content.String()+reasoning.String())
		usage = &u
	}
	return &llm.ChatResponse{
		ID:        id,
		Provider:  provider,
		Model:     req.Model,
		Choices:   []llm.ChatChoice{{Index: 0, FinishReason: finish, Message: msg}},
		Usage:     *usage,
		CreatedAt: time.Now(),
	}, nil
}
