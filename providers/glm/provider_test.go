package glm

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

func testProvider(t *testing.T, baseURL string) *GLMProvider {
	t.Helper()
	return NewGLMProvider(providers.GLMConfig{BaseURL: baseURL}, zap.NewNop())
}

func testAuth() llm.Auth {
	return llm.Auth{Bundle: &session.Bundle{
		ProviderID:  "glm",
		BearerToken: "glm-token",
		Cookies:     map[string]string{"acw_tc": "v1"},
	}}
}

func chatReq(model string, mode llm.ModeFlags) *llm.ChatRequest {
	return &llm.ChatRequest{
		RequestID: "req-1",
		Model:     model,
		Base:      llm.ModelDescriptor{Name: model, Provider: "glm"},
		Mode:      mode,
		Messages:  []types.Message{types.NewUserMessage("hi")},
	}
}

func TestStream_TranslatesPhaseSnapshots(t *testing.T) {
	up := testutil.NewUpstream(t)
	// 上游按阶段推全量快照；usage 挂在收尾事件上。
	up.HandleSSE("/api/chat/completions",
		`{"type":"chat","data":{"id":"conv-9","phase":"thinking","content":"Let me"}}`,
		`{"type":"chat","data":{"phase":"thinking","content":"Let me think"}}`,
		`{"type":"chat","data":{"phase":"answer","content":"Go is"}}`,
		`{"type":"chat","data":{"phase":"answer","content":"Go is fun","done":true,"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}}`,
	)
	p := testProvider(t, up.URL())

	ch, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("GLM-4.5", llm.ModeFlags{Thinking: true}))
	require.NoError(t, err)
	chunks := testutil.DrainStream(t, ch, 5*time.Second)
	require.NoError(t, testutil.StreamErr(chunks))

	assert.Equal(t, types.RoleAssistant, chunks[0].Delta.Role, "首块宣告角色")
	assert.Equal(t, "Let me think", testutil.StreamReasoning(chunks), "thinking 快照去重成增量")
	assert.Equal(t, "Go is fun", testutil.StreamText(chunks))

	final := chunks[len(chunks)-1]
	assert.Equal(t, providers.FinishStop, final.FinishReason)
	assert.Equal(t, "conv-9", final.ID)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 12, final.Usage.TotalTokens)

	// 请求外形：模型映射到内部 id，thinking 开关跟随模式。
	captured := up.RequestTo("/api/chat/completions")
	assert.Equal(t, "Bearer glm-token", captured.Header.Get("Authorization"))
	assert.Equal(t, "acw_tc=v1", captured.Header.Get("Cookie"))
	var body chatRequest
	captured.DecodeJSON(t, &body)
	assert.True(t, body.Stream)
	assert.Equal(t, "0727-360B-API", body.Model)
	assert.True(t, body.Features.EnableThinking)
	assert.False(t, body.Features.EnableWebSearch)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "hi", body.Messages[0].Content)
}

func TestStream_AirVariant(t *testing.T) {
	up := testutil.NewUpstream(t)
	up.HandleSSE("/api/chat/completions",
		`{"type":"chat","data":{"phase":"answer","content":"ok","done":true}}`,
	)
	p := testProvider(t, up.URL())

	ch, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("GLM-4.5", llm.ModeFlags{Air: true}))
	require.NoError(t, err)
	testutil.DrainStream(t, ch, 5*time.Second)

	var body chatRequest
	up.RequestTo("/api/chat/completions").DecodeJSON(t, &body)
	assert.Equal(t, "0727-106B-API", body.Model, "-Air 切到轻量变体")
}

func TestStream_AirVariantMissing(t *testing.T) {
	p := testProvider(t, "http://127.0.0.1:1")
	_, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("GLM-4.5V", llm.ModeFlags{Air: true}))
	require.Error(t, err)
	assert.Equal(t, types.ErrBadRequest, types.GetErrorCode(err))
}

func TestStream_UnknownModel(t *testing.T) {
	p := testProvider(t, "http://127.0.0.1:1")
	_, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("GLM-99", llm.ModeFlags{}))
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownModel, types.GetErrorCode(err))
}

func TestStream_RejectsGenerationModes(t *testing.T) {
	p := testProvider(t, "http://127.0.0.1:1")
	_, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("GLM-4.5", llm.ModeFlags{Image: true}))
	require.Error(t, err)
	assert.Equal(t, types.ErrBadRequest, types.GetErrorCode(err))
}

func TestStream_UpstreamErrorEvent(t *testing.T) {
	up := testutil.NewUpstream(t)
	up.HandleSSE("/api/chat/completions",
		`{"type":"chat","data":{"phase":"answer","content":"par"}}`,
		`{"type":"chat","data":{"error":{"code":401,"detail":"token expired"}}}`,
	)
	p := testProvider(t, up.URL())

	ch, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("GLM-4.5", llm.ModeFlags{}))
	require.NoError(t, err)
	chunks := testutil.DrainStream(t, ch, 5*time.Second)

	streamErr := testutil.StreamErr(chunks)
	require.Error(t, streamErr)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(streamErr),
		"上游 401 翻译成会话失效，触发重新采集")
}

func TestStream_SynthesizesUsageWhenUpstreamSilent(t *testing.T) {
	up := testutil.NewUpstream(t)
	up.HandleSSE("/api/chat/completions",
		`{"type":"chat","data":{"phase":"answer","content":"short answer","done":true}}`,
	)
	p := testProvider(t, up.URL())

	ch, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("GLM-4.5", llm.ModeFlags{}))
	require.NoError(t, err)
	chunks := testutil.DrainStream(t, ch, 5*time.Second)

	final := chunks[len(chunks)-1]
	require.NotNil(t, final.Usage)
	assert.Positive(t, final.Usage.PromptTokens)
	assert.Positive(t, final.Usage.CompletionTokens)
}

func TestCompletion_AssemblesEnvelope(t *testing.T) {
	up := testutil.NewUpstream(t)
	up.HandleSSE("/api/chat/completions",
		`{"type":"chat","data":{"id":"conv-2","phase":"thinking","content":"ponder"}}`,
		`{"type":"chat","data":{"phase":"answer","content":"final answer","done":true,"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}}`,
	)
	p := testProvider(t, up.URL())

	resp, err := p.Completion(testutil.TestContext(t), testAuth(), chatReq("GLM-4.5", llm.ModeFlags{Thinking: true}))
	require.NoError(t, err)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "final answer", resp.Choices[0].Message.Content)
	assert.Equal(t, "ponder", resp.Choices[0].Message.ReasoningContent)
	assert.Equal(t, providers.FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, "conv-2", resp.ID)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestModels_StableListing(t *testing.T) {
	p := testProvider(t, "http://127.0.0.1:1")
	models := p.Models()
	require.Len(t, models, 3)
	assert.Equal(t, []string{"GLM-4.5", "GLM-4.5V", "GLM-4.6"},
		[]string{models[0].Name, models[1].Name, models[2].Name}, "列表按名字排序")
	for _, m := range models {
		assert.Equal(t, "glm", m.Provider)
		assert.Equal(t, "zhipu", m.OwnedBy)
	}
	assert.Equal(t, "0727-360B-API", models[0].Upstream)
}
