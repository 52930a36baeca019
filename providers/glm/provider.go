// Package glm adapts the GLM family of upstream chat services to the
// normalized provider contract.
//
// GLM 上游按阶段推送全量文本快照（thinking 与 answer 各自累积），
// 适配器负责去重成增量并把 thinking 阶段路由到 reasoning_content。
package glm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/providers"
	"github.com/BaSui01/sessionflow/types"
)

const (
	defaultBaseURL  = "https://chat.z.ai"
	completionsPath = "/api/chat/completions"
)

// upstreamModel 静态内置的上游模型映射；公开名与内部 id 不同，
// -Air 后缀切到轻量变体。
type upstreamModel struct {
	id       string
	air      string
	created  int64
	features []string
}

var upstreamTable = map[string]upstreamModel{
	"GLM-4.5": {
		id:       "0727-360B-API",
		air:      "0727-106B-API",
		created:  1753660800,
		features: []string{llm.FeatureThinking, llm.FeatureSearch, llm.FeatureCode},
	},
	"GLM-4.5V": {
		id:       "glm-4.5v",
		created:  1754870400,
		features: []string{llm.FeatureThinking, llm.FeatureVision},
	},
	"GLM-4.6": {
		id:       "GLM-4-6-API",
		created:  1759190400,
		features: []string{llm.FeatureThinking, llm.FeatureSearch, llm.FeatureLongContext, llm.FeatureCode},
	},
}

// GLMProvider implements llm.Provider for the GLM family.
type GLMProvider struct {
	cfg    providers.GLMConfig
	client *providers.Client
	logger *zap.Logger
}

// NewGLMProvider creates a GLM adapter instance.
func NewGLMProvider(cfg providers.GLMConfig, logger *zap.Logger) *GLMProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GLMProvider{
		cfg:    cfg,
		client: providers.NewClient("glm", providers.ClientConfig{BaseURL: cfg.BaseURL, HeaderTimeout: cfg.Timeout}, logger),
		logger: logger.With(zap.String("provider", "glm")),
	}
}

func (p *GLMProvider) Name() string { return "glm" }

func (p *GLMProvider) Models() []llm.ModelDescriptor {
	out := make([]llm.ModelDescriptor, 0, len(upstreamTable))
	for name, m := range upstreamTable {
		out = append(out, llm.ModelDescriptor{
			Name:     name,
			Provider: "glm",
			Upstream: m.id,
			OwnedBy:  "zhipu",
			Features: m.features,
			Created:  m.created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// upstreamID resolves the internal model id, honoring the -Air variant.
func upstreamID(req *llm.ChatRequest) (string, error) {
	m, ok := upstreamTable[req.Base.Name]
	if !ok {
		return "", types.NewError(types.ErrUnknownModel,
			fmt.Sprintf("model %q has no GLM upstream mapping", req.Base.Name)).
			WithProvider("glm").WithHTTPStatus(http.StatusNotFound)
	}
	if req.Mode.Air {
		if m.air == "" {
			return "", types.NewError(types.ErrBadRequest,
				fmt.Sprintf("model %s has no lightweight variant", req.Base.Name)).
				WithProvider("glm").WithHTTPStatus(http.StatusBadRequest)
		}
		return m.air, nil
	}
	return m.id, nil
}

// GLM 上游请求外形。
type chatRequest struct {
	Stream   bool          `json:"stream"`
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Features chatFeatures  `json:"features"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatFeatures struct {
	EnableThinking  bool `json:"enable_thinking"`
	EnableWebSearch bool `json:"enable_web_search"`
}

// 上游每个事件带的是所在阶段的全量文本快照。
type streamEvent struct {
	Type string          `json:"type"`
	Data streamEventData `json:"data"`
}

type streamEventData struct {
	ID      string       `json:"id,omitempty"`
	Phase   string       `json:"phase,omitempty"`
	Content string       `json:"content,omitempty"`
	Done    bool         `json:"done,omitempty"`
	Usage   *streamUsage `json:"usage,omitempty"`
	Error   *streamError `json:"error,omitempty"`
}

type streamUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamError struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

func convertMessages(msgs []types.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := chatMessage{Role: string(m.Role)}
		if m.Parts == nil {
			cm.Content = m.Content
		} else {
			parts := make([]map[string]any, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Type {
				case types.PartText:
					parts = append(parts, map[string]any{"type": "text", "text": p.Text})
				case types.PartImageURL:
					parts = append(parts, map[string]any{
						"type":      "image_url",
						"image_url": map[string]string{"url": p.ImageURL.URL},
					})
				}
			}
			cm.Content = parts
		}
		out = append(out, cm)
	}
	return out
}

func (p *GLMProvider) headers(auth llm.Auth) http.Header {
	h := http.Header{}
	if tok := auth.BearerToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	if ck := auth.CookieHeader(); ck != "" {
		h.Set("Cookie", ck)
	}
	return h
}

func (p *GLMProvider) Completion(ctx context.Context, auth llm.Auth, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ch, err := p.Stream(ctx, auth, req)
	if err != nil {
		return nil, err
	}
	return providers.Collect(ctx, req, ch)
}

func (p *GLMProvider) Stream(ctx context.Context, auth llm.Auth, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if err := providers.ValidateParts(p.Name(), req.Messages, types.PartText, types.PartImageURL); err != nil {
		return nil, err
	}
	if req.Mode.Generation() {
		return nil, types.NewError(types.ErrBadRequest,
			fmt.Sprintf("model %s does not generate images or video", req.Base.Name)).
			WithProvider(p.Name()).WithHTTPStatus(http.StatusBadRequest)
	}
	model, err := upstreamID(req)
	if err != nil {
		return nil, err
	}

	body := chatRequest{
		Stream:   true,
		Model:    model,
		Messages: convertMessages(req.Messages),
		Features: chatFeatures{
			EnableThinking:  req.Mode.Thinking,
			EnableWebSearch: req.Mode.Search,
		},
	}
	resp, err := p.client.Do(ctx, http.MethodPost, completionsPath, body, p.headers(auth))
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go p.pump(ctx, resp, req, out)
	return out, nil
}

// pump 把 GLM 的阶段快照流翻译成 OpenAI 风格增量块。
func (p *GLMProvider) pump(ctx context.Context, resp *http.Response, req *llm.ChatRequest, out chan<- llm.StreamChunk) {
	defer resp.Body.Close()
	defer close(out)

	base := llm.StreamChunk{Provider: p.Name(), Model: req.Model}

	lead := base
	lead.Delta = types.Message{Role: types.RoleAssistant}
	if !providers.Emit(ctx, out, lead) {
		return
	}

	var (
		thinking providers.DeltaTracker
		answer   providers.DeltaTracker
		usage    *llm.ChatUsage
		id       string
	)
	reader := providers.NewEventReader(resp.Body)
	for {
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
		if ev.Data.Error != nil {
			chunk := base
			chunk.Err = providers.MapStatus(ev.Data.Error.Code, ev.Data.Error.Detail, p.Name())
			providers.Emit(ctx, out, chunk)
			return
		}
		if ev.Data.ID != "" {
			id = ev.Data.ID
		}
		if ev.Data.Usage != nil {
			usage = &llm.ChatUsage{
				PromptTokens:     ev.Data.Usage.PromptTokens,
				CompletionTokens: ev.Data.Usage.CompletionTokens,
				TotalTokens:      ev.Data.Usage.TotalTokens,
			}
		}

		switch ev.Data.Phase {
		case "thinking":
			if delta := thinking.Delta(ev.Data.Content); delta != "" {
				chunk := base
				chunk.ID = id
				chunk.Delta = types.Message{ReasoningContent: delta}
				if !providers.Emit(ctx, out, chunk) {
					return
				}
			}
		default:
			if delta := answer.Delta(ev.Data.Content); delta != "" {
				chunk := base
				chunk.ID = id
				chunk.Delta = types.Message{Content: delta}
				if !providers.Emit(ctx, out, chunk) {
					return
				}
			}
		}

		if ev.Data.Done {
			break
		}
	}

	if usage == nil {
		u := providers.SynthesizeUsage(req.Base.Name, req.Messages, thinking.Total()+answer.Total())
		usage = &u
	}
	final := base
	final.ID = id
	final.FinishReason = providers.FinishStop
	final.Usage = usage
	providers.Emit(ctx, out, final)
}
