package kimi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/providers"
	"github.com/BaSui01/sessionflow/session"
	"github.com/BaSui01/sessionflow/testutil"
	"github.com/BaSui01/sessionflow/types"
)

func testProvider(t *testing.T, baseURL string) *KimiProvider {
	t.Helper()
	return NewKimiProvider(providers.KimiConfig{BaseURL: baseURL}, zap.NewNop())
}

func testAuth() llm.Auth {
	return llm.Auth{Bundle: &session.Bundle{
		ProviderID:  "kimi",
		BearerToken: "kimi-token",
		Cookies:     map[string]string{"kimi-auth": "sess"},
	}}
}

func chatReq(model string, mode llm.ModeFlags, msgs ...types.Message) *llm.ChatRequest {
	if len(msgs) == 0 {
		msgs = []types.Message{types.NewUserMessage("hi")}
	}
	return &llm.ChatRequest{
		RequestID: "req-1",
		Model:     model,
		Base:      llm.ModelDescriptor{Name: model, Provider: "kimi", Upstream: upstreamFor(model)},
		Mode:      mode,
		Messages:  msgs,
	}
}

func upstreamFor(model string) string {
	for _, m := range models {
		if m.Name == model {
			return m.Upstream
		}
	}
	return ""
}

func TestStream_TranslatesEventDialect(t *testing.T) {
	up := testutil.NewUpstream(t)
	up.HandleJSON(newChatPath, 200, map[string]any{"id": "c-1"})
	up.HandleSSE("/api/chat/c-1/completion/stream",
		`{"event":"k1","text":"thinking hard"}`,
		`{"event":"cmpl","text":"It "}`,
		`{"event":"cmpl","text":"works"}`,
		`{"event":"all_done"}`,
	)
	p := testProvider(t, up.URL())

	ch, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("kimi-k2", llm.ModeFlags{}))
	require.NoError(t, err)
	chunks := testutil.DrainStream(t, ch, 5*time.Second)
	require.NoError(t, testutil.StreamErr(chunks))

	assert.Equal(t, types.RoleAssistant, chunks[0].Delta.Role)
	assert.Equal(t, "thinking hard", testutil.StreamReasoning(chunks), "k1 事件进思维链通道")
	assert.Equal(t, "It works", testutil.StreamText(chunks))

	final := chunks[len(chunks)-1]
	assert.Equal(t, providers.FinishStop, final.FinishReason)
	require.NotNil(t, final.Usage, "上游不报 usage，本地合成")
	assert.Positive(t, final.Usage.PromptTokens)
	assert.Positive(t, final.Usage.CompletionTokens)

	// 会话创建固定名片；完成请求复用同一套会话头。
	var created newChatRequest
	up.RequestTo(newChatPath).DecodeJSON(t, &created)
	assert.Equal(t, "sessionflow", created.Name)
	assert.False(t, created.IsExample)
	assert.Equal(t, "api", created.Source)

	captured := up.RequestTo("/api/chat/c-1/completion/stream")
	assert.Equal(t, "Bearer kimi-token", captured.Header.Get("Authorization"))
	assert.Equal(t, "kimi-auth=sess", captured.Header.Get("Cookie"))
	var body chatRequest
	captured.DecodeJSON(t, &body)
	assert.Equal(t, "k2", body.Model)
	assert.False(t, body.UseSearch)
	assert.NotNil(t, body.Refs, "refs 必须是空数组而非 null")
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "hi", body.Messages[0].Content)
}

func TestStream_ThinkingSuffixAndSearch(t *testing.T) {
	up := testutil.NewUpstream(t)
	up.HandleJSON(newChatPath, 200, map[string]any{"id": "c-2"})
	up.HandleSSE("/api/chat/c-2/completion/stream",
		`{"event":"cmpl","text":"ok"}`,
		`{"event":"all_done"}`,
	)
	p := testProvider(t, up.URL())

	ch, err := p.Stream(testutil.TestContext(t), testAuth(),
		chatReq("kimi-k2", llm.ModeFlags{Thinking: true, Search: true}))
	require.NoError(t, err)
	testutil.DrainStream(t, ch, 5*time.Second)

	var body chatRequest
	up.RequestTo("/api/chat/c-2/completion/stream").DecodeJSON(t, &body)
	assert.Equal(t, "k2-thinking", body.Model, "thinking 模式用 -thinking 后缀模型")
	assert.True(t, body.UseSearch)
}

func TestStream_AuthErrorEvent(t *testing.T) {
	up := testutil.NewUpstream(t)
	up.HandleJSON(newChatPath, 200, map[string]any{"id": "c-3"})
	up.HandleSSE("/api/chat/c-3/completion/stream",
		`{"event":"cmpl","text":"par"}`,
		`{"event":"error","error_type":"auth.token.invalid","message":"token expired"}`,
	)
	p := testProvider(t, up.URL())

	ch, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("kimi-k2", llm.ModeFlags{}))
	require.NoError(t, err)
	chunks := testutil.DrainStream(t, ch, 5*time.Second)

	streamErr := testutil.StreamErr(chunks)
	require.Error(t, streamErr)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(streamErr),
		"会话失效要翻译成 401，驱动重新采集")
}

func TestStream_GenericErrorEvent(t *testing.T) {
	up := testutil.NewUpstream(t)
	up.HandleJSON(newChatPath, 200, map[string]any{"id": "c-4"})
	up.HandleSSE("/api/chat/c-4/completion/stream",
		`{"event":"error","error_type":"engine.overloaded"}`,
	)
	p := testProvider(t, up.URL())

	ch, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("kimi-k2", llm.ModeFlags{}))
	require.NoError(t, err)
	chunks := testutil.DrainStream(t, ch, 5*time.Second)

	streamErr := testutil.StreamErr(chunks)
	require.Error(t, streamErr)
	assert.Equal(t, types.ErrUpstreamProtocol, types.GetErrorCode(streamErr))
}

func TestStream_RejectsImageParts(t *testing.T) {
	p := testProvider(t, "http://127.0.0.1:1")
	msg := types.Message{
		Role: types.RoleUser,
		Parts: []types.ContentPart{
			{Type: types.PartImageURL, ImageURL: &types.ImageRef{URL: "https://img.test/a.png"}},
		},
	}

	_, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("kimi-k2", llm.ModeFlags{}, msg))
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedContentPart, types.GetErrorCode(err))
}

func TestStream_RejectsGenerationModes(t *testing.T) {
	p := testProvider(t, "http://127.0.0.1:1")
	_, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("kimi-k2", llm.ModeFlags{Video: true}))
	require.Error(t, err)
	assert.Equal(t, types.ErrBadRequest, types.GetErrorCode(err))
}

func TestStream_ChatCreationWithoutID(t *testing.T) {
	up := testutil.NewUpstream(t)
	up.HandleJSON(newChatPath, 200, map[string]any{})
	p := testProvider(t, up.URL())

	_, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("kimi-k2", llm.ModeFlags{}))
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamProtocol, types.GetErrorCode(err))
}

func TestCompletion_AssemblesEnvelope(t *testing.T) {
	up := testutil.NewUpstream(t)
	up.HandleJSON(newChatPath, 200, map[string]any{"id": "c-5"})
	up.HandleSSE("/api/chat/c-5/completion/stream",
		`{"event":"k1","text":"pondering"}`,
		`{"event":"cmpl","text":"Full answer"}`,
		`{"event":"all_done"}`,
	)
	p := testProvider(t, up.URL())

	resp, err := p.Completion(testutil.TestContext(t), testAuth(), chatReq("kimi-k2", llm.ModeFlags{Thinking: true}))
	require.NoError(t, err)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Full answer", resp.Choices[0].Message.Content)
	assert.Equal(t, "pondering", resp.Choices[0].Message.ReasoningContent)
	assert.Equal(t, providers.FinishStop, resp.Choices[0].FinishReason)
	assert.Positive(t, resp.Usage.TotalTokens)
}

func TestModels_GuestFamily(t *testing.T) {
	p := testProvider(t, "http://127.0.0.1:1")
	list := p.Models()
	require.Len(t, list, 2)
	assert.Equal(t, "kimi-k2", list[0].Name)
	assert.Equal(t, "k2", list[0].Upstream)
	assert.Equal(t, "moonshot", list[0].OwnedBy)
	assert.Equal(t, "kimi-k2-turbo", list[1].Name)
}
