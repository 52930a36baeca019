package llm

import (
	"context"
	"time"

	"github.com/BaSui01/sessionflow/session"
	"github.com/BaSui01/sessionflow/types"
)

// Feature flags a model may advertise in /v1/models listings.
const (
	FeatureThinking    = "thinking"
	FeatureSearch      = "search"
	FeatureVision      = "vision"
	FeatureImage       = "image"
	FeatureVideo       = "video"
	FeatureLongContext = "long_context"
	FeatureCode        = "code"
)

// ModelDescriptor describes one public base model and how to reach it.
type ModelDescriptor struct {
	// Name is the public base name clients use, e.g. "GLM-4.5".
	Name string `json:"name"`
	// Provider is the owning adapter id, e.g. "glm".
	Provider string `json:"provider"`
	// Upstream is the provider-internal model id when it differs from the
	// public name, e.g. "0727-360B-API".
	Upstream string `json:"upstream,omitempty"`
	// OwnedBy is reported in /v1/models listings.
	OwnedBy string `json:"owned_by"`
	// Features lists the model's advertised feature flags.
	Features []string `json:"features,omitempty"`
	// Created is the unix timestamp reported in /v1/models listings.
	Created int64 `json:"created,omitempty"`
}

// UpstreamID returns the id to send upstream, falling back to the public
// name when no internal id is mapped.
func (d ModelDescriptor) UpstreamID() string {
	if d.Upstream != "" {
		return d.Upstream
	}
	return d.Name
}

// HasFeature reports whether the descriptor advertises the feature flag.
func (d ModelDescriptor) HasFeature(feature string) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Auth carries what an adapter needs to authenticate one upstream call.
// 适配器只读借用，不得修改。
type Auth struct {
	// Bundle is the browser-harvested session, nil for token-only setups.
	Bundle *session.Bundle
	// Token is a static bearer token; it wins over the bundle token.
	Token string
}

// BearerToken returns the effective bearer token, empty when none exists.
func (a Auth) BearerToken() string {
	if a.Token != "" {
		return a.Token
	}
	if a.Bundle != nil {
		return a.Bundle.BearerToken
	}
	return ""
}

// CookieHeader returns the bundle's Cookie header value, empty without a
// bundle.
func (a Auth) CookieHeader() string {
	if a.Bundle == nil {
		return ""
	}
	return a.Bundle.CookieHeader()
}

// ChatRequest is the normalized chat call handed to adapters. Base and
// Mode are filled by the router after resolving the public model name.
type ChatRequest struct {
	RequestID   string            `json:"request_id,omitempty"`
	Model       string            `json:"model"`
	Base        ModelDescriptor   `json:"base"`
	Mode        ModeFlags         `json:"mode"`
	Messages    []types.Message   `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	TopP        float32           `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	ToolChoice  string            `json:"tool_choice,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatUsage is the token accounting attached to responses. Upstream
// consumer endpoints rarely report usage, so adapters synthesize it from
// a local tokenizer when absent.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is one completion alternative.
type ChatChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      types.Message `json:"message"`
}

// ChatResponse is a fully assembled completion.
type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage"`
	CreatedAt time.Time    `json:"created_at,omitempty"`

	// CredentialID names the session credential that served the call. It
	// is audit metadata and never reaches the wire.
	CredentialID string `json:"-"`
}

// StreamChunk is one incremental event of a streamed completion. A chunk
// with Err set terminates the stream.
type StreamChunk struct {
	ID           string        `json:"id,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	Index        int           `json:"index,omitempty"`
	Delta        types.Message `json:"delta"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *ChatUsage    `json:"usage,omitempty"`
	Err          *types.Error  `json:"error,omitempty"`

	// CredentialID names the session credential relaying the stream.
	// Audit metadata only, excluded from SSE frames.
	CredentialID string `json:"-"`
}

// ImageRequest is a normalized image or video generation call.
type ImageRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Model     string          `json:"model"`
	Base      ModelDescriptor `json:"base"`
	Mode      ModeFlags       `json:"mode"`
	Prompt    string          `json:"prompt"`
	N         int             `json:"n,omitempty"`
	// Size is the requested "WxH" string, e.g. "1920x1080".
	Size string `json:"size,omitempty"`
	// Refs carries reference image URLs for edit-mode calls; they come
	// from prior chat history when the request arrives on the chat surface.
	Refs []string `json:"refs,omitempty"`
}

// ImageDatum is one generated image reference.
type ImageDatum struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageResponse carries generated image URLs.
type ImageResponse struct {
	Created int64        `json:"created"`
	Data    []ImageDatum `json:"data"`

	// Provider and CredentialID identify who served the call. Audit
	// metadata only, excluded from the wire response.
	Provider     string `json:"-"`
	CredentialID string `json:"-"`
}

// Provider adapts one upstream provider family (glm, qwen, kimi) to the
// normalized chat contract. Adapters are stateless with respect to
// credentials: every call receives the Auth to use.
type Provider interface {
	// Name returns the adapter id used in ModelDescriptor.Provider.
	Name() string

	// Models lists the base models this adapter serves.
	Models() []ModelDescriptor

	// Completion performs a blocking chat call and assembles the full
	// response.
	Completion(ctx context.Context, auth Auth, req *ChatRequest) (*ChatResponse, error)

	// Stream performs a streaming chat call. The returned channel is
	// closed after the terminal chunk. Errors occurring before the
	// upstream stream is established are returned directly; later
	// failures arrive as a chunk with Err set. Implementations stop
	// sending and close the channel promptly once ctx ends.
	Stream(ctx context.Context, auth Auth, req *ChatRequest) (<-chan StreamChunk, error)
}

// ImageGenerator is implemented by adapters whose provider family can
// generate images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, auth Auth, req *ImageRequest) (*ImageResponse, error)
}
