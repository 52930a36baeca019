package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/sessionflow/types"
)

type stubProvider struct {
	name   string
	models []ModelDescriptor
}

func (s *stubProvider) Name() string              { return s.name }
func (s *stubProvider) Models() []ModelDescriptor { return s.models }

func (s *stubProvider) Completion(ctx context.Context, auth Auth, req *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Model: req.Model}, nil
}

func (s *stubProvider) Stream(ctx context.Context, auth Auth, req *ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func glmStub() *stubProvider {
	return &stubProvider{
		name: "glm",
		models: []ModelDescriptor{
			{Name: "GLM-4.5", Provider: "glm", Upstream: "0727-360B-API", OwnedBy: "glm"},
			{Name: "GLM-4.6", Provider: "glm", OwnedBy: "glm"},
		},
	}
}

func qwenStub() *stubProvider {
	return &stubProvider{
		name: "qwen",
		models: []ModelDescriptor{
			{Name: "qwen3-max", Provider: "qwen", OwnedBy: "qwen"},
		},
	}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(glmStub()))
	require.NoError(t, r.Register(qwenStub()))

	desc, flags, p, err := r.Resolve("GLM-4.5")
	require.NoError(t, err)
	assert.Equal(t, "GLM-4.5", desc.Name)
	assert.Equal(t, "0727-360B-API", desc.UpstreamID())
	assert.False(t, flags.Any())
	assert.Equal(t, "glm", p.Name())

	desc, flags, p, err = r.Resolve("GLM-4.6-Thinking-Search")
	require.NoError(t, err)
	assert.Equal(t, "GLM-4.6", desc.Name)
	assert.Equal(t, "GLM-4.6", desc.UpstreamID(), "no internal id mapped")
	assert.True(t, flags.Thinking)
	assert.True(t, flags.Search)
	assert.Equal(t, "glm", p.Name())

	desc, _, p, err = r.Resolve("qwen3-max-image")
	require.NoError(t, err)
	assert.Equal(t, "qwen", p.Name())
	assert.Equal(t, "qwen3-max", desc.Name)
}

func TestRegistry_UnknownModel(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(glmStub()))

	_, _, _, err := r.Resolve("frontier-9000")
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownModel, types.GetErrorCode(err))

	// A recognized suffix on an unknown base is still unknown.
	_, _, _, err = r.Resolve("frontier-9000-Thinking")
	assert.Equal(t, types.ErrUnknownModel, types.GetErrorCode(err))
}

func TestRegistry_CollisionsFailFast(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(glmStub()))

	// Same provider id.
	err := r.Register(&stubProvider{name: "glm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	// Same model name under a different provider.
	err = r.Register(&stubProvider{
		name:   "other",
		models: []ModelDescriptor{{Name: "GLM-4.5", Provider: "other"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `model "GLM-4.5"`)

	// The failed registration must not leave partial state behind.
	_, ok := r.Provider("other")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_RejectsEmptyNames(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(&stubProvider{name: ""}))
	require.Error(t, r.Register(&stubProvider{
		name:   "glm",
		models: []ModelDescriptor{{Name: ""}},
	}))
}

func TestRegistry_ModelsSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(qwenStub()))
	require.NoError(t, r.Register(glmStub()))

	models := r.Models()
	require.Len(t, models, 3)
	assert.Equal(t, "GLM-4.5", models[0].Name)
	assert.Equal(t, "GLM-4.6", models[1].Name)
	assert.Equal(t, "qwen3-max", models[2].Name)

	assert.Equal(t, []string{"glm", "qwen"}, r.Providers())
}
