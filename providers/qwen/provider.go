// Package qwen adapts the Qwen family of upstream chat services to the
// normalized provider contract.
//
// Qwen 的九字段请求协议：session_id、chat_id、parent_id、chat_mode、
// timestamp、chat_type、逐消息 chat_type+extra、feature_config.output_schema
// 与 thinking_enabled（开启时附带 thinking_budget）。缺任何一个字段，
// 上游一律 400。chat_id 要先调会话创建端点换取。
package qwen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/providers"
	"github.com/BaSui01/sessionflow/types"
)

const (
	defaultBaseURL  = "https://chat.qwen.ai"
	newChatPath     = "/api/v2/chats/new"
	completionsPath = "/api/v2/chat/completions"

	chatModeNormal        = "normal"
	outputSchemaPhase     = "phase"
	defaultThinkingBudget = 60
)

// chat_type values the upstream understands.
const (
	ChatTypeText      = "t2t"
	ChatTypeImage     = "t2i"
	ChatTypeImageEdit = "image_edit"
	ChatTypeVideo     = "t2v"
	ChatTypeSearch    = "search"
	ChatTypeResearch  = "deep_research"
)

// chatTypeFor derives the request chat_type from mode flags. Generation
// modes outrank search when suffixes compose.
func chatTypeFor(mode llm.ModeFlags) string {
	switch {
	case mode.ImageEdit:
		return ChatTypeImageEdit
	case mode.Image:
		return ChatTypeImage
	case mode.Video:
		return ChatTypeVideo
	case mode.Search:
		return ChatTypeSearch
	default:
		return ChatTypeText
	}
}

var models = []llm.ModelDescriptor{
	{
		Name: "qwen3-max", Provider: "qwen", OwnedBy: "qwen", Created: 1758672000,
		Features: []string{llm.FeatureSearch, llm.FeatureImage, llm.FeatureVideo, llm.FeatureLongContext},
	},
	{
		Name: "qwen3-235b-a22b", Provider: "qwen", OwnedBy: "qwen", Created: 1746057600,
		Features: []string{llm.FeatureThinking, llm.FeatureSearch},
	},
	{
		Name: "qwen3-coder", Provider: "qwen", OwnedBy: "qwen", Created: 1753228800,
		Features: []string{llm.FeatureCode},
	},
}

// QwenProvider implements llm.Provider and llm.ImageGenerator for the
// Qwen family.
type QwenProvider struct {
	cfg    providers.QwenConfig
	client *providers.Client
	logger *zap.Logger

	// 测试注入点
	now   func() time.Time
	newID func() string
}

// NewQwenProvider creates a Qwen adapter instance.
func NewQwenProvider(cfg providers.QwenConfig, logger *zap.Logger) *QwenProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QwenProvider{
		cfg:    cfg,
		client: providers.NewClient("qwen", providers.ClientConfig{BaseURL: cfg.BaseURL, HeaderTimeout: cfg.Timeout}, logger),
		logger: logger.With(zap.String("provider", "qwen")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (p *QwenProvider) Name() string { return "qwen" }

func (p *QwenProvider) Models() []llm.ModelDescriptor {
	out := make([]llm.ModelDescriptor, len(models))
	copy(out, models)
	return out
}

// 九字段请求体。parent_id 新回合恒为 null，字段必须在场。
type chatRequest struct {
	Stream         bool            `json:"stream"`
	Model          string          `json:"model"`
	SessionID      string          `json:"session_id"`
	ChatID         string          `json:"chat_id"`
	ParentID       *string         `json:"parent_id"`
	ChatMode       string          `json:"chat_mode"`
	Timestamp      int64           `json:"timestamp"`
	ChatType       string          `json:"chat_type"`
	Messages       []chatMessage   `json:"messages"`
	FeatureConfig  featureConfig   `json:"feature_config"`
	Size           string          `json:"size,omitempty"`
	ImageGenConfig *imageGenConfig `json:"image_gen_config,omitempty"`
}

type chatMessage struct {
	Role     string         `json:"role"`
	Content  any            `json:"content"`
	ChatType string         `json:"chat_type"`
	Extra    map[string]any `json:"extra"`
}

type featureConfig struct {
	OutputSchema    string `json:"output_schema"`
	ThinkingEnabled bool   `json:"thinking_enabled"`
	ThinkingBudget  int    `json:"thinking_budget,omitempty"`
}

type imageGenConfig struct {
	AspectRatio string `json:"aspect_ratio"`
}

type newChatRequest struct {
	Title     string   `json:"title"`
	Models    []string `json:"models"`
	ChatMode  string   `json:"chat_mode"`
	ChatType  string   `json:"chat_type"`
	Timestamp int64    `json:"timestamp"`
}

type newChatResponse struct {
	Success bool `json:"success"`
	Data    struct {
		ID string `json:"id"`
	} `json:"data"`
}

// 上游 SSE 方言：增量 delta，阶段标注在 delta.phase，
// delta.status == "finished" 表示该阶段收尾。
type streamEvent struct {
	Choices []streamChoice `json:"choices,omitempty"`
	Usage   *streamUsage   `json:"usage,omitempty"`
}

type streamChoice struct {
	Delta streamDelta `json:"delta"`
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Status  string `json:"status,omitempty"`
}

type streamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *streamUsage) toChatUsage() *llm.ChatUsage {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return &llm.ChatUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      total,
	}
}

// headers builds the per-call auth headers. The bearer is the compressed
// raw_token|cookie_value pair from the bundle extras; a bundle without
// both extras cannot authenticate and triggers re-acquisition upstream
// of the adapter.
func (p *QwenProvider) headers(auth llm.Auth) (http.Header, error) {
	b := auth.Bundle
	if b == nil || b.Extra[ExtraRawToken] == "" || b.Extra[ExtraCookieValue] == "" {
		return nil, types.NewError(types.ErrAuthenticationFailed,
			"qwen bundle is missing raw_token/cookie_value extras").
			WithProvider(p.Name()).WithHTTPStatus(http.StatusUnauthorized)
	}
	cred, err := CompressCredential(b.Extra[ExtraRawToken], b.Extra[ExtraCookieValue])
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "compress qwen credential").
			WithCause(err).WithProvider(p.Name()).WithHTTPStatus(http.StatusInternalServerError)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cred)
	if ck := auth.CookieHeader(); ck != "" {
		h.Set("Cookie", ck)
	}
	return h, nil
}

// createChat trades a session-creation call for the chat_id the nine-field
// body requires.
func (p *QwenProvider) createChat(ctx context.Context, h http.Header, model, chatType string) (string, error) {
	body := newChatRequest{
		Title:     "New Chat",
		Models:    []string{model},
		ChatMode:  chatModeNormal,
		ChatType:  chatType,
		Timestamp: p.now().UnixMilli(),
	}
	resp, err := p.client.Do(ctx, http.MethodPost, newChatPath, body, h)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed newChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", types.NewError(types.ErrUpstreamProtocol, "decode chat creation response").
			WithCause(err).WithProvider(p.Name()).WithHTTPStatus(http.StatusBadGateway)
	}
	if !parsed.Success || parsed.Data.ID == "" {
		return "", types.NewError(types.ErrUpstreamProtocol, "chat creation returned no id").
			WithProvider(p.Name()).WithHTTPStatus(http.StatusBadGateway)
	}
	return parsed.Data.ID, nil
}

func (p *QwenProvider) buildBody(req *llm.ChatRequest, chatID, chatType string) chatRequest {
	body := chatRequest{
		Stream:    true,
		Model:     req.Base.UpstreamID(),
		SessionID: p.newID(),
		ChatID:    chatID,
		ParentID:  nil,
		ChatMode:  chatModeNormal,
		Timestamp: p.now().UnixMilli(),
		ChatType:  chatType,
		Messages:  convertMessages(req.Messages),
		FeatureConfig: featureConfig{
			OutputSchema:    outputSchemaPhase,
			ThinkingEnabled: req.Mode.Thinking,
		},
	}
	if req.Mode.Thinking {
		body.FeatureConfig.ThinkingBudget = defaultThinkingBudget
	}
	return body
}

func convertMessages(msgs []types.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := chatMessage{
			Role:     string(m.Role),
			ChatType: "text",
			Extra:    map[string]any{},
		}
		if m.Parts == nil {
			cm.Content = m.Content
		} else {
			parts := make([]map[string]any, 0, len(m.Parts))
			for _, part := range m.Parts {
				switch part.Type {
				case types.PartText:
					parts = append(parts, map[string]any{"type": "text", "text": part.Text})
				case types.PartImageURL:
					parts = append(parts, map[string]any{"type": "image", "image": part.ImageURL.URL})
				}
			}
			cm.Content = parts
		}
		out = append(out, cm)
	}
	return out
}

func (p *QwenProvider) Completion(ctx context.Context, auth llm.Auth, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ch, err := p.Stream(ctx, auth, req)
	if err != nil {
		return nil, err
	}
	return providers.Collect(ctx, req, ch)
}

func (p *QwenProvider) Stream(ctx context.Context, auth llm.Auth, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if err := providers.ValidateParts(p.Name(), req.Messages, types.PartText, types.PartImageURL); err != nil {
		return nil, err
	}
	if req.Mode.Air {
		return nil, types.NewError(types.ErrBadRequest,
			fmt.Sprintf("model %s has no lightweight variant", req.Base.Name)).
			WithProvider(p.Name()).WithHTTPStatus(http.StatusBadRequest)
	}
	if req.Mode.Generation() {
		return p.streamGeneration(ctx, auth, req)
	}

	h, err := p.headers(auth)
	if err != nil {
		return nil, err
	}
	chatType := chatTypeFor(req.Mode)
	chatID, err := p.createChat(ctx, h, req.Base.UpstreamID(), chatType)
	if err != nil {
		return nil, err
	}

	body := p.buildBody(req, chatID, chatType)
	resp, err := p.client.Do(ctx, http.MethodPost, completionsPath+"?chat_id="+chatID, body, h)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go p.pump(ctx, resp, req, out)
	return out, nil
}

// pump 把 Qwen 的增量事件翻译成 OpenAI 风格块；think 阶段进
// reasoning_content。
func (p *QwenProvider) pump(ctx context.Context, resp *http.Response, req *llm.ChatRequest, out chan<- llm.StreamChunk) {
	defer resp.Body.Close()
	defer close(out)

	base := llm.StreamChunk{Provider: p.Name(), Model: req.Model}

	lead := base
	lead.Delta = types.Message{Role: types.RoleAssistant}
	if !providers.Emit(ctx, out, lead) {
		return
	}

	var (
		usage     *llm.ChatUsage
		content   strings.Builder
		reasoning strings.Builder
		finished  bool
	)
	reader := providers.NewEventReader(resp.Body)
	for !finished {
		data, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			chunk := base
			chunk.Err = providers.StreamError(err, p.Name())
			providers.Emit(ctx, out, chunk)
			return
		}

		var ev streamEvent
		if uerr := json.Unmarshal(data, &ev); uerr != nil {
			p.logger.Debug("skipping malformed stream chunk",
				zap.String("request_id", req.RequestID), zap.Error(uerr))
			continue
		}
		if ev.Usage != nil {
			usage = ev.Usage.toChatUsage()
		}

		for _, choice := range ev.Choices {
			d := choice.Delta
			switch d.Phase {
			case "think":
				if d.Content != "" {
					reasoning.WriteString(d.Content)
					chunk := base
					chunk.Delta = types.Message{ReasoningContent: d.Content}
					if !providers.Emit(ctx, out, chunk) {
						return
					}
				}
			default:
				if d.Content != "" {
					content.WriteString(d.Content)
					chunk := base
					chunk.Delta = types.Message{Content: d.Content}
					if !providers.Emit(ctx, out, chunk) {
						return
					}
				}
			}
			if d.Status == "finished" && d.Phase != "think" {
				finished = true
			}
		}
	}

	if usage == nil {
		u := providers.SynthesizeUsage(req.Base.Name, req.Messages, content.String()+reasoning.String())
		usage = &u
	}
	final := base
	final.FinishReason = providers.FinishStop
	final.Usage = usage
	providers.Emit(ctx, out, final)
}

// streamGeneration serves -image/-image_edit/-video chat calls: the
// upstream stream is buffered to completion and re-emitted as one chunk
// whose content links the generated assets.
func (p *QwenProvider) streamGeneration(ctx context.Context, auth llm.Auth, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	img, err := p.GenerateImage(ctx, auth, &llm.ImageRequest{
		RequestID: req.RequestID,
		Model:     req.Model,
		Base:      req.Base,
		Mode:      req.Mode,
		Prompt:    lastUserPrompt(req.Messages),
		Size:      req.Metadata["size"],
		Refs:      collectImageRefs(req.Messages),
	})
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		base := llm.StreamChunk{Provider: p.Name(), Model: req.Model}

		lead := base
		lead.Delta = types.Message{Role: types.RoleAssistant}
		if !providers.Emit(ctx, out, lead) {
			return
		}

		var sb strings.Builder
		for _, d := range img.Data {
			if req.Mode.Video {
				fmt.Fprintf(&sb, "[video](%s)\n", d.URL)
			} else {
				fmt.Fprintf(&sb, "![image](%s)\n", d.URL)
			}
		}
		body := base
		body.Delta = types.Message{Content: sb.String()}
		if !providers.Emit(ctx, out, body) {
			return
		}

		usage := providers.SynthesizeUsage(req.Base.Name, req.Messages, sb.String())
		final := base
		final.FinishReason = providers.FinishStop
		final.Usage = &usage
		providers.Emit(ctx, out, final)
	}()
	return out, nil
}

// GenerateImage drives a generation call end to end. The upstream only
// streams, so the stream is drained and the asset URLs collected into a
// single envelope.
func (p *QwenProvider) GenerateImage(ctx context.Context, auth llm.Auth, req *llm.ImageRequest) (*llm.ImageResponse, error) {
	h, err := p.headers(auth)
	if err != nil {
		return nil, err
	}

	chatType := ChatTypeImage
	switch {
	case req.Mode.ImageEdit:
		chatType = ChatTypeImageEdit
	case req.Mode.Video:
		chatType = ChatTypeVideo
	}
	chatID, err := p.createChat(ctx, h, req.Base.UpstreamID(), chatType)
	if err != nil {
		return nil, err
	}

	body := chatRequest{
		Stream:    true,
		Model:     req.Base.UpstreamID(),
		SessionID: p.newID(),
		ChatID:    chatID,
		ParentID:  nil,
		ChatMode:  chatModeNormal,
		Timestamp: p.now().UnixMilli(),
		ChatType:  chatType,
		Messages:  generationMessages(req.Prompt, req.Refs, chatType),
		FeatureConfig: featureConfig{
			OutputSchema: outputSchemaPhase,
		},
	}
	if req.Size != "" {
		ratio, rerr := providers.AspectRatio(req.Size)
		if rerr != nil {
			return nil, rerr
		}
		body.Size = req.Size
		body.ImageGenConfig = &imageGenConfig{AspectRatio: ratio}
	}

	resp, err := p.client.Do(ctx, http.MethodPost, completionsPath+"?chat_id="+chatID, body, h)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var urls []string
	reader := providers.NewEventReader(resp.Body)
	for {
		data, rerr := reader.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, providers.StreamError(rerr, p.Name())
		}
		var ev streamEvent
		if uerr := json.Unmarshal(data, &ev); uerr != nil {
			p.logger.Debug("skipping malformed generation chunk",
				zap.String("request_id", req.RequestID), zap.Error(uerr))
			continue
		}
		for _, choice := range ev.Choices {
			d := choice.Delta
			if (d.Phase == "image_gen" || d.Phase == "video_gen") && d.Status == "finished" && d.Content != "" {
				urls = append(urls, d.Content)
			}
		}
	}
	if len(urls) == 0 {
		return nil, types.NewError(types.ErrUpstreamProtocol, "generation stream carried no asset url").
			WithProvider(p.Name()).WithHTTPStatus(http.StatusBadGateway)
	}

	data := make([]llm.ImageDatum, 0, len(urls))
	for _, u := range urls {
		data = append(data, llm.ImageDatum{URL: u})
	}
	return &llm.ImageResponse{Created: p.now().Unix(), Data: data}, nil
}

// generationMessages builds the single-turn message list for a generation
// call; edit mode fronts the reference images as image parts.
func generationMessages(prompt string, refs []string, chatType string) []chatMessage {
	msg := chatMessage{
		Role:     string(types.RoleUser),
		ChatType: "text",
		Extra:    map[string]any{},
	}
	if chatType == ChatTypeImageEdit && len(refs) > 0 {
		parts := make([]map[string]any, 0, len(refs)+1)
		for _, ref := range refs {
			parts = append(parts, map[string]any{"type": "image", "image": ref})
		}
		parts = append(parts, map[string]any{"type": "text", "text": prompt})
		msg.Content = parts
	} else {
		msg.Content = prompt
	}
	return []chatMessage{msg}
}

func lastUserPrompt(msgs []types.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == types.RoleUser {
			if s := msgs[i].PlainText(); s != "" {
				return s
			}
		}
	}
	return ""
}

func collectImageRefs(msgs []types.Message) []string {
	var refs []string
	for _, m := range msgs {
		refs = append(refs, m.ImageURLs()...)
	}
	return refs
}
