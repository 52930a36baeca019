package qwen

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

const fixedMillis = 1736500000000

func testProvider(t *testing.T, baseURL string) *QwenProvider {
	t.Helper()
	p := NewQwenProvider(providers.QwenConfig{BaseURL: baseURL}, zap.NewNop())
	p.now = func() time.Time { return time.UnixMilli(fixedMillis) }
	p.newID = func() string { return "sess-fixed" }
	return p
}

func testAuth() llm.Auth {
	return llm.Auth{Bundle: &session.Bundle{
		ProviderID: "qwen",
		Cookies:    map[string]string{"token": "cookie-session"},
		Extra: map[string]string{
			ExtraRawToken:    "raw-tok",
			ExtraCookieValue: "cookie-val",
		},
	}}
}

func chatReq(model string, mode llm.ModeFlags, msgs ...types.Message) *llm.ChatRequest {
	if len(msgs) == 0 {
		msgs = []types.Message{types.NewUserMessage("hello")}
	}
	return &llm.ChatRequest{
		RequestID: "req-1",
		Model:     model,
		Base:      llm.ModelDescriptor{Name: model, Provider: "qwen"},
		Mode:      mode,
		Messages:  msgs,
	}
}

func handleNewChat(up *testutil.Upstream, id string) {
	up.HandleJSON(newChatPath, 200, map[string]any{
		"success": true,
		"data":    map[string]any{"id": id},
	})
}

func TestStream_SendsNineFieldBody(t *testing.T) {
	up := testutil.NewUpstream(t)
	handleNewChat(up, "chat-77")
	up.HandleSSE(completionsPath,
		`{"choices":[{"delta":{"role":"assistant","phase":"think","content":"mull"}}]}`,
		`{"choices":[{"delta":{"phase":"think","content":" it over","status":"finished"}}]}`,
		`{"choices":[{"delta":{"phase":"answer","content":"The answer"}}]}`,
		`{"choices":[{"delta":{"phase":"answer","content":" is 42","status":"finished"}}],"usage":{"input_tokens":9,"output_tokens":6,"total_tokens":15}}`,
	)
	p := testProvider(t, up.URL())

	ch, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("qwen3-235b-a22b", llm.ModeFlags{Thinking: true}))
	require.NoError(t, err)
	chunks := testutil.DrainStream(t, ch, 5*time.Second)
	require.NoError(t, testutil.StreamErr(chunks))

	// think 阶段进 reasoning；think 的 finished 只是阶段收尾，不终止流。
	assert.Equal(t, "mull it over", testutil.StreamReasoning(chunks))
	assert.Equal(t, "The answer is 42", testutil.StreamText(chunks))
	final := chunks[len(chunks)-1]
	assert.Equal(t, providers.FinishStop, final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 9, final.Usage.PromptTokens)
	assert.Equal(t, 6, final.Usage.CompletionTokens)
	assert.Equal(t, 15, final.Usage.TotalTokens)

	// 会话创建先行，换来的 chat_id 同时进查询串和请求体。
	var created newChatRequest
	up.RequestTo(newChatPath).DecodeJSON(t, &created)
	assert.Equal(t, "New Chat", created.Title)
	assert.Equal(t, []string{"qwen3-235b-a22b"}, created.Models)
	assert.Equal(t, chatModeNormal, created.ChatMode)
	assert.Equal(t, ChatTypeText, created.ChatType)
	assert.Equal(t, int64(fixedMillis), created.Timestamp)

	captured := up.RequestTo(completionsPath)
	assert.Equal(t, "chat-77", captured.Query.Get("chat_id"))

	cred, err := CompressCredential("raw-tok", "cookie-val")
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+cred, captured.Header.Get("Authorization"))
	assert.Equal(t, "token=cookie-session", captured.Header.Get("Cookie"))

	var body chatRequest
	captured.DecodeJSON(t, &body)
	assert.True(t, body.Stream)
	assert.Equal(t, "qwen3-235b-a22b", body.Model)
	assert.Equal(t, "sess-fixed", body.SessionID)
	assert.Equal(t, "chat-77", body.ChatID)
	assert.Nil(t, body.ParentID)
	assert.Equal(t, chatModeNormal, body.ChatMode)
	assert.Equal(t, int64(fixedMillis), body.Timestamp)
	assert.Equal(t, ChatTypeText, body.ChatType)
	assert.Equal(t, outputSchemaPhase, body.FeatureConfig.OutputSchema)
	assert.True(t, body.FeatureConfig.ThinkingEnabled)
	assert.Equal(t, defaultThinkingBudget, body.FeatureConfig.ThinkingBudget)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "text", body.Messages[0].ChatType)
	assert.NotNil(t, body.Messages[0].Extra)

	// parent_id 必须以 null 在场；缺字段上游直接 400。
	var raw map[string]any
	captured.DecodeJSON(t, &raw)
	v, present := raw["parent_id"]
	require.True(t, present)
	assert.Nil(t, v)
}

func TestStream_MissingExtrasFailsAuthentication(t *testing.T) {
	p := testProvider(t, "http://127.0.0.1:1")
	auth := llm.Auth{Bundle: &session.Bundle{ProviderID: "qwen", BearerToken: "plain"}}

	_, err := p.Stream(testutil.TestContext(t), auth, chatReq("qwen3-max", llm.ModeFlags{}))
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthenticationFailed, types.GetErrorCode(err),
		"缺 raw_token/cookie_value 不能压缩出凭证，交给上层重新采集")
}

func TestStream_AirVariantRejected(t *testing.T) {
	p := testProvider(t, "http://127.0.0.1:1")
	_, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("qwen3-max", llm.ModeFlags{Air: true}))
	require.Error(t, err)
	assert.Equal(t, types.ErrBadRequest, types.GetErrorCode(err))
}

func TestStream_SearchChatType(t *testing.T) {
	up := testutil.NewUpstream(t)
	handleNewChat(up, "chat-s")
	up.HandleSSE(completionsPath,
		`{"choices":[{"delta":{"phase":"answer","content":"found it","status":"finished"}}]}`,
	)
	p := testProvider(t, up.URL())

	ch, err := p.Stream(testutil.TestContext(t), testAuth(), chatReq("qwen3-max", llm.ModeFlags{Search: true}))
	require.NoError(t, err)
	testutil.DrainStream(t, ch, 5*time.Second)

	var body chatRequest
	up.RequestTo(completionsPath).DecodeJSON(t, &body)
	assert.Equal(t, ChatTypeSearch, body.ChatType)
	assert.False(t, body.FeatureConfig.ThinkingEnabled)
	assert.Zero(t, body.FeatureConfig.ThinkingBudget)
}

func TestGenerateImage_CollectsFinishedAssets(t *testing.T) {
	up := testutil.NewUpstream(t)
	handleNewChat(up, "chat-img")
	up.HandleSSE(completionsPath,
		`{"choices":[{"delta":{"phase":"image_gen","status":"typing","content":"rendering"}}]}`,
		`{"choices":[{"delta":{"phase":"image_gen","status":"finished","content":"https://cdn.qwen.test/a.png"}}]}`,
	)
	p := testProvider(t, up.URL())

	resp, err := p.GenerateImage(testutil.TestContext(t), testAuth(), &llm.ImageRequest{
		Model:  "qwen3-max-image",
		Base:   llm.ModelDescriptor{Name: "qwen3-max", Provider: "qwen"},
		Mode:   llm.ModeFlags{Image: true},
		Prompt: "a cat in the rain",
		Size:   "1920x1080",
	})
	require.NoError(t, err)

	require.Len(t, resp.Data, 1)
	assert.Equal(t, "https://cdn.qwen.test/a.png", resp.Data[0].URL, "只收 finished 状态的资产链接")
	assert.Equal(t, time.UnixMilli(fixedMillis).Unix(), resp.Created)

	var body chatRequest
	up.RequestTo(completionsPath).DecodeJSON(t, &body)
	assert.Equal(t, ChatTypeImage, body.ChatType)
	assert.Equal(t, "1920x1080", body.Size)
	require.NotNil(t, body.ImageGenConfig)
	assert.Equal(t, "16:9", body.ImageGenConfig.AspectRatio)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "a cat in the rain", body.Messages[0].Content)

	var created newChatRequest
	up.RequestTo(newChatPath).DecodeJSON(t, &created)
	assert.Equal(t, ChatTypeImage, created.ChatType)
}

func TestGenerateImage_NoAssetIsProtocolError(t *testing.T) {
	up := testutil.NewUpstream(t)
	handleNewChat(up, "chat-empty")
	up.HandleSSE(completionsPath,
		`{"choices":[{"delta":{"phase":"image_gen","status":"typing","content":"still rendering"}}]}`,
	)
	p := testProvider(t, up.URL())

	_, err := p.GenerateImage(testutil.TestContext(t), testAuth(), &llm.ImageRequest{
		Model:  "qwen3-max-image",
		Base:   llm.ModelDescriptor{Name: "qwen3-max", Provider: "qwen"},
		Mode:   llm.ModeFlags{Image: true},
		Prompt: "a cat",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamProtocol, types.GetErrorCode(err))
}

func TestStream_GenerationModeWrapsAssetLinks(t *testing.T) {
	up := testutil.NewUpstream(t)
	handleNewChat(up, "chat-gen")
	up.HandleSSE(completionsPath,
		`{"choices":[{"delta":{"phase":"image_gen","status":"finished","content":"https://cdn.qwen.test/b.png"}}]}`,
	)
	p := testProvider(t, up.URL())

	// -image 后缀走聊天面时，整体生成后以 markdown 链接一次性回灌。
	ch, err := p.Stream(testutil.TestContext(t), testAuth(),
		chatReq("qwen3-max", llm.ModeFlags{Image: true}, types.NewUserMessage("draw a fox")))
	require.NoError(t, err)
	chunks := testutil.DrainStream(t, ch, 5*time.Second)
	require.NoError(t, testutil.StreamErr(chunks))

	assert.Equal(t, "![image](https://cdn.qwen.test/b.png)\n", testutil.StreamText(chunks))
	final := chunks[len(chunks)-1]
	assert.Equal(t, providers.FinishStop, final.FinishReason)
	require.NotNil(t, final.Usage)

	var body chatRequest
	up.RequestTo(completionsPath).DecodeJSON(t, &body)
	assert.Equal(t, "draw a fox", body.Messages[0].Content, "生成回合取最后一条用户消息当提示词")
}

func TestChatTypeFor(t *testing.T) {
	cases := []struct {
		mode llm.ModeFlags
		want string
	}{
		{llm.ModeFlags{}, ChatTypeText},
		{llm.ModeFlags{Thinking: true}, ChatTypeText},
		{llm.ModeFlags{Search: true}, ChatTypeSearch},
		{llm.ModeFlags{Image: true}, ChatTypeImage},
		{llm.ModeFlags{ImageEdit: true}, ChatTypeImageEdit},
		{llm.ModeFlags{Video: true}, ChatTypeVideo},
		// 生成模式优先于搜索。
		{llm.ModeFlags{Image: true, Search: true}, ChatTypeImage},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, chatTypeFor(tc.mode), tc.mode.String())
	}
}

func TestConvertMessages_ImageParts(t *testing.T) {
	msgs := convertMessages([]types.Message{{
		Role: types.RoleUser,
		Parts: []types.ContentPart{
			{Type: types.PartImageURL, ImageURL: &types.ImageRef{URL: "https://img.test/ref.png"}},
			{Type: types.PartText, Text: "make it blue"},
		},
	}})

	require.Len(t, msgs, 1)
	parts, ok := msgs[0].Content.([]map[string]any)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "https://img.test/ref.png", parts[0]["image"])
	assert.Equal(t, "make it blue", parts[1]["text"])
}

func TestCompressCredentialRoundTrip(t *testing.T) {
	encoded, err := CompressCredential("tok-abc", "cookie-xyz")
	require.NoError(t, err)
	tok, cookie, err := DecompressCredential(encoded)
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", tok)
	assert.Equal(t, "cookie-xyz", cookie)
}
