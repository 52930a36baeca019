// Package kimi adapts the K2 family of upstream chat services to the
// normalized provider contract. K2 endpoints accept guest sessions, so
// this family works without configured accounts.
package kimi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/llm"
	"github.com/BaSui01/sessionflow/providers"
	"github.com/BaSui01/sessionflow/types"
)

const (
	defaultBaseURL = "https://www.kimi.com"
	newChatPath    = "/api/chat"
)

var models = []llm.ModelDescriptor{
	{
		Name: "kimi-k2", Provider: "kimi", Upstream: "k2", OwnedBy: "moonshot", Created: 1752192000,
		Features: []string{llm.FeatureThinking, llm.FeatureSearch, llm.FeatureLongContext, llm.FeatureCode},
	},
	{
		Name: "kimi-k2-turbo", Provider: "kimi", Upstream: "k2-turbo", OwnedBy: "moonshot", Created: 1753977600,
		Features: []string{llm.FeatureSearch, llm.FeatureLongContext},
	},
}

// KimiProvider implements llm.Provider for the K2 family.
type KimiProvider struct {
	cfg    providers.KimiConfig
	client *providers.Client
	logger *zap.Logger
}

// NewKimiProvider creates a K2 adapter instance.
func NewKimiProvider(cfg providers.KimiConfig, logger *zap.Logger) *KimiProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KimiProvider{
		cfg:    cfg,
		client: providers.NewClient("kimi", providers.ClientConfig{BaseURL: cfg.BaseURL, HeaderTimeout: cfg.Timeout}, logger),
		logger: logger.With(zap.String("provider", "kimi")),
	}
}

func (p *KimiProvider) Name() string { return "kimi" }

func (p *KimiProvider) Models() []llm.ModelDescriptor {
	out := make([]llm.ModelDescriptor, len(models))
	copy(out, models)
	return out
}

type newChatRequest struct {
	Name      string `json:"name"`
	IsExample bool   `json:"is_example"`
	Source    string `json:"source"`
}

type newChatResponse struct {
	ID string `json:"id"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	UseSearch bool          `json:"use_search"`
	Refs      []string      `json:"refs"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// K2 的流方言：事件对象自带类型标签。cmpl 是回答增量，k1 是思维链
// 增量，all_done 收尾，error 则终止。
type streamEvent struct {
	Event     string `json:"event"`
	Text      string `json:"text,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (p *KimiProvider) headers(auth llm.Auth) http.Header {
	h := http.Header{}
	if tok := auth.BearerToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	if ck := auth.CookieHeader(); ck != "" {
		h.Set("Cookie", ck)
	}
	return h
}

// createChat obtains the conversation id the completion endpoint is
// scoped to.
func (p *KimiProvider) createChat(ctx context.Context, h http.Header) (string, error) {
	body := newChatRequest{Name: "sessionflow", IsExample: false, Source: "api"}
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
	if parsed.ID == "" {
		return "", types.NewError(types.ErrUpstreamProtocol, "chat creation returned no id").
			WithProvider(p.Name()).WithHTTPStatus(http.StatusBadGateway)
	}
	return parsed.ID, nil
}

func (p *KimiProvider) Completion(ctx context.Context, auth llm.Auth, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ch, err := p.Stream(ctx, auth, req)
	if err != nil {
		return nil, err
	}
	return providers.Collect(ctx, req, ch)
}

func (p *KimiProvider) Stream(ctx context.Context, auth llm.Auth, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	// K2 消息只收纯文本。
	if err := providers.ValidateParts(p.Name(), req.Messages, types.PartText); err != nil {
		return nil, err
	}
	if req.Mode.Air {
		return nil, types.NewError(types.ErrBadRequest,
			fmt.Sprintf("model %s has no lightweight variant", req.Base.Name)).
			WithProvider(p.Name()).WithHTTPStatus(http.StatusBadRequest)
	}
	if req.Mode.Generation() {
		return nil, types.NewError(types.ErrBadRequest,
			fmt.Sprintf("model %s does not generate images or video", req.Base.Name)).
			WithProvider(p.Name()).WithHTTPStatus(http.StatusBadRequest)
	}

	h := p.headers(auth)
	chatID, err := p.createChat(ctx, h)
	if err != nil {
		return nil, err
	}

	model := req.Base.UpstreamID()
	if req.Mode.Thinking {
		model += "-thinking"
	}
	body := chatRequest{
		Model:     model,
		Messages:  convertMessages(req.Messages),
		UseSearch: req.Mode.Search,
		Refs:      []string{},
	}
	resp, err := p.client.Do(ctx, http.MethodPost, fmt.Sprintf("/api/chat/%s/completion/stream", chatID), body, h)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go p.pump(ctx, resp, req, out)
	return out, nil
}

func convertMessages(msgs []types.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessage{Role: string(m.Role), Content: m.PlainText()})
	}
	return out
}

// pump 把 K2 的事件流翻译成 OpenAI 风格块。
func (p *KimiProvider) pump(ctx context.Context, resp *http.Response, req *llm.ChatRequest, out chan<- llm.StreamChunk) {
	defer resp.Body.Close()
	defer close(out)

	base := llm.StreamChunk{Provider: p.Name(), Model: req.Model}

	lead := base
	lead.Delta = types.Message{Role: types.RoleAssistant}
	if !providers.Emit(ctx, out, lead) {
		return
	}

	var (
		content   strings.Builder
		reasoning strings.Builder
		done      bool
	)
	reader := providers.NewEventReader(resp.Body)
	for !done {
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

		switch ev.Event {
		case "cmpl":
			if ev.Text != "" {
				content.WriteString(ev.Text)
				chunk := base
				chunk.Delta = types.Message{Content: ev.Text}
				if !providers.Emit(ctx, out, chunk) {
					return
				}
			}
		case "k1":
			if ev.Text != "" {
				reasoning.WriteString(ev.Text)
				chunk := base
				chunk.Delta = types.Message{ReasoningContent: ev.Text}
				if !providers.Emit(ctx, out, chunk) {
					return
				}
			}
		case "all_done":
			done = true
		case "error":
			msg := ev.Message
			if msg == "" {
				msg = ev.ErrorType
			}
			chunk := base
			if ev.ErrorType == "auth.token.invalid" {
				chunk.Err = types.NewError(types.ErrUnauthorized, "upstream rejected session: "+msg).
					WithProvider(p.Name()).WithHTTPStatus(http.StatusUnauthorized)
			} else {
				chunk.Err = types.NewError(types.ErrUpstreamProtocol, "upstream stream error: "+msg).
					WithProvider(p.Name()).WithHTTPStatus(http.StatusBadGateway)
			}
			providers.Emit(ctx, out, chunk)
			return
		}
	}

	usage := providers.SynthesizeUsage(req.Base.Name, req.Messages, content.String()+reasoning.String())
	final := base
	final.FinishReason = providers.FinishStop
	final.Usage = &usage
	providers.Emit(ctx, out, final)
}
