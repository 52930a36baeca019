package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/session"
	"github.com/BaSui01/sessionflow/session/pool"
	"github.com/BaSui01/sessionflow/types"
)

type fakeProvider struct {
	name   string
	models []ModelDescriptor

	mu            sync.Mutex
	auths         []Auth
	reqs          []*ChatRequest
	completeCalls int
	streamCalls   int

	completeFn func(call int, auth Auth, req *ChatRequest) (*ChatResponse, error)
	streamFn   func(call int, auth Auth, req *ChatRequest) (<-chan StreamChunk, error)
}

func (f *fakeProvider) Name() string              { return f.name }
func (f *fakeProvider) Models() []ModelDescriptor { return f.models }

func (f *fakeProvider) Completion(ctx context.Context, auth Auth, req *ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	call := f.completeCalls
	f.completeCalls++
	f.auths = append(f.auths, auth)
	f.reqs = append(f.reqs, req)
	fn := f.completeFn
	f.mu.Unlock()
	if fn == nil {
		return &ChatResponse{
			Model:   req.Model,
			Choices: []ChatChoice{{Message: types.NewAssistantMessage("ok")}},
		}, nil
	}
	return fn(call, auth, req)
}

func (f *fakeProvider) Stream(ctx context.Context, auth Auth, req *ChatRequest) (<-chan StreamChunk, error) {
	f.mu.Lock()
	call := f.streamCalls
	f.streamCalls++
	f.auths = append(f.auths, auth)
	f.reqs = append(f.reqs, req)
	fn := f.streamFn
	f.mu.Unlock()
	if fn == nil {
		ch := make(chan StreamChunk, 2)
		ch <- StreamChunk{Delta: types.Message{Role: types.RoleAssistant, Content: "ok"}}
		ch <- StreamChunk{FinishReason: "stop"}
		close(ch)
		return ch, nil
	}
	return fn(call, auth, req)
}

type fakeImageProvider struct {
	fakeProvider
	imageFn    func(call int, auth Auth, req *ImageRequest) (*ImageResponse, error)
	imageCalls int
	imageReqs  []*ImageRequest
}

func (f *fakeImageProvider) GenerateImage(ctx context.Context, auth Auth, req *ImageRequest) (*ImageResponse, error) {
	f.mu.Lock()
	call := f.imageCalls
	f.imageCalls++
	f.imageReqs = append(f.imageReqs, req)
	fn := f.imageFn
	f.mu.Unlock()
	if fn == nil {
		return &ImageResponse{Created: 1700000000, Data: []ImageDatum{{URL: "https://img.example/1.png"}}}, nil
	}
	return fn(call, auth, req)
}

type routerFixture struct {
	router       *Router
	pool         *pool.Pool
	store        *session.Store
	acquireCalls atomic.Int64
	acquiredIDs  []string
	mu           sync.Mutex
}

func newRouterFixture(t *testing.T, providers ...Provider) *routerFixture {
	t.Helper()
	reg := NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.Register(p))
	}

	store, err := session.NewStore(session.Config{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)

	fx := &routerFixture{
		pool:  pool.New(pool.Config{}, zap.NewNop()),
		store: store,
	}
	acquire := func(ctx context.Context, h *pool.Handle) (*session.Bundle, error) {
		fx.acquireCalls.Add(1)
		fx.mu.Lock()
		fx.acquiredIDs = append(fx.acquiredIDs, h.ID)
		fx.mu.Unlock()
		return &session.Bundle{
			ProviderID:  h.Provider,
			Cookies:     map[string]string{"sid": "cookie-" + h.ID},
			BearerToken: "tok-" + h.ID,
		}, nil
	}
	fx.router = NewRouter(reg, fx.pool, store, acquire, RouterOptions{Logger: zap.NewNop()})
	return fx
}

func (fx *routerFixture) addCredential(t *testing.T, provider, id string, priority int) {
	t.Helper()
	require.NoError(t, fx.pool.Add(pool.Credential{
		ID:       id,
		Provider: provider,
		Kind:     pool.KindPassword,
		Priority: priority,
	}))
}

func credState(t *testing.T, p *pool.Pool, provider, id string) pool.State {
	t.Helper()
	for _, s := range p.Stats()[provider] {
		if s.ID == id {
			return s.State
		}
	}
	t.Fatalf("credential %s/%s not found", provider, id)
	return ""
}

func TestRouter_CompletionLeasesSessionOnce(t *testing.T) {
	prov := &fakeProvider{name: "glm", models: glmStub().models}
	fx := newRouterFixture(t, prov)
	fx.addCredential(t, "glm", "acct1", 1)

	resp, err := fx.router.Completion(context.Background(), &ChatRequest{
		Model:    "GLM-4.5-Thinking",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)

	assert.EqualValues(t, 1, fx.acquireCalls.Load())
	require.Len(t, prov.auths, 1)
	require.NotNil(t, prov.auths[0].Bundle)
	assert.Equal(t, "tok-acct1", prov.auths[0].BearerToken())
	assert.Contains(t, prov.auths[0].CookieHeader(), "sid=cookie-acct1")

	// Resolution happened before dispatch: base and flags are filled in.
	assert.Equal(t, "GLM-4.5", prov.reqs[0].Base.Name)
	assert.Equal(t, "0727-360B-API", prov.reqs[0].Base.UpstreamID())
	assert.True(t, prov.reqs[0].Mode.Thinking)

	// Second call reuses the cached bundle.
	_, err = fx.router.Completion(context.Background(), &ChatRequest{
		Model:    "GLM-4.5",
		Messages: []types.Message{types.NewUserMessage("again")},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, fx.acquireCalls.Load(), "bundle must come from the store")

	stats := fx.pool.Stats()["glm"]
	require.Len(t, stats, 1)
	assert.Equal(t, pool.StateActive, stats[0].State)
	assert.EqualValues(t, 2, stats[0].TotalRequests)
	assert.EqualValues(t, 0, stats[0].FailedRequests)
}

func TestRouter_UnknownModel(t *testing.T) {
	fx := newRouterFixture(t, &fakeProvider{name: "glm", models: glmStub().models})
	fx.addCredential(t, "glm", "acct1", 1)

	_, err := fx.router.Completion(context.Background(), &ChatRequest{Model: "frontier-9000"})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownModel, types.GetErrorCode(err))
	assert.EqualValues(t, 0, fx.acquireCalls.Load(), "no lease for unknown models")
}

func TestRouter_NoCredentials(t *testing.T) {
	prov := &fakeProvider{name: "glm", models: glmStub().models}
	fx := newRouterFixture(t, prov)

	_, err := fx.router.Completion(context.Background(), &ChatRequest{Model: "GLM-4.5"})
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthenticationFailed, types.GetErrorCode(err))
	assert.Equal(t, 0, prov.completeCalls)
}

func TestRouter_AuthFailureRetriesWithFreshCredential(t *testing.T) {
	prov := &fakeProvider{name: "glm", models: glmStub().models}
	prov.completeFn = func(call int, auth Auth, req *ChatRequest) (*ChatResponse, error) {
		if call == 0 {
			return nil, types.NewError(types.ErrUnauthorized, "session rejected").WithProvider("glm")
		}
		return &ChatResponse{Model: req.Model, Choices: []ChatChoice{{Message: types.NewAssistantMessage("ok")}}}, nil
	}
	fx := newRouterFixture(t, prov)
	fx.addCredential(t, "glm", "acct1", 2)
	fx.addCredential(t, "glm", "acct2", 1)

	resp, err := fx.router.Completion(context.Background(), &ChatRequest{
		Model:    "GLM-4.5",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)

	// First lease used acct1, the retry acquired a fresh session with the
	// next credential after acct1 went into cool-down.
	assert.Equal(t, 2, prov.completeCalls)
	assert.Equal(t, "tok-acct1", prov.auths[0].BearerToken())
	assert.Equal(t, "tok-acct2", prov.auths[1].BearerToken())
	assert.EqualValues(t, 2, fx.acquireCalls.Load())

	assert.Equal(t, pool.StateCooldown, credState(t, fx.pool, "glm", "acct1"))
	assert.Equal(t, pool.StateActive, credState(t, fx.pool, "glm", "acct2"))

	// The stored bundle now belongs to the fresh session.
	b, ok := fx.store.Get("glm")
	require.True(t, ok)
	assert.Equal(t, "tok-acct2", b.BearerToken)
}

func TestRouter_AuthFailureWithSingleCredentialSurfaces(t *testing.T) {
	prov := &fakeProvider{name: "glm", models: glmStub().models}
	prov.completeFn = func(call int, auth Auth, req *ChatRequest) (*ChatResponse, error) {
		return nil, types.NewError(types.ErrUnauthorized, "session rejected")
	}
	fx := newRouterFixture(t, prov)
	fx.addCredential(t, "glm", "only", 1)

	_, err := fx.router.Completion(context.Background(), &ChatRequest{Model: "GLM-4.5"})
	require.Error(t, err)
	// The sole credential cooled down on the first rejection, so the retry
	// cannot lease and the request surfaces an authentication error.
	assert.Equal(t, types.ErrAuthenticationFailed, types.GetErrorCode(err))
	assert.Equal(t, 1, prov.completeCalls)

	// The poisoned bundle is gone.
	_, ok := fx.store.Get("glm")
	assert.False(t, ok)
}

func TestRouter_SecondUpstreamAuthFailureSurfaces(t *testing.T) {
	prov := &fakeProvider{name: "glm", models: glmStub().models}
	prov.completeFn = func(call int, auth Auth, req *ChatRequest) (*ChatResponse, error) {
		return nil, types.NewError(types.ErrUnauthorized, "session rejected")
	}
	fx := newRouterFixture(t, prov)
	fx.addCredential(t, "glm", "acct1", 2)
	fx.addCredential(t, "glm", "acct2", 1)

	_, err := fx.router.Completion(context.Background(), &ChatRequest{Model: "GLM-4.5"})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
	assert.Equal(t, 2, prov.completeCalls, "exactly one retry")
	assert.Equal(t, pool.StateCooldown, credState(t, fx.pool, "glm", "acct1"))
	assert.Equal(t, pool.StateCooldown, credState(t, fx.pool, "glm", "acct2"))
}

func TestRouter_TransientFailureKeepsSession(t *testing.T) {
	prov := &fakeProvider{name: "glm", models: glmStub().models}
	prov.completeFn = func(call int, auth Auth, req *ChatRequest) (*ChatResponse, error) {
		return nil, types.NewError(types.ErrUpstreamUnavailable, "upstream 502").WithRetryable(true)
	}
	fx := newRouterFixture(t, prov)
	fx.addCredential(t, "glm", "acct1", 1)

	_, err := fx.router.Completion(context.Background(), &ChatRequest{Model: "GLM-4.5"})
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamUnavailable, types.GetErrorCode(err))
	assert.Equal(t, 1, prov.completeCalls, "transient upstream failures are not retried here")

	// Session survives: only genuine auth failures invalidate it.
	_, ok := fx.store.Get("glm")
	assert.True(t, ok)

	stats := fx.pool.Stats()["glm"]
	assert.EqualValues(t, 1, stats[0].FailedRequests)
	assert.Equal(t, pool.StateActive, stats[0].State)
}

func TestRouter_StreamSetupRetriesAndReportsSuccess(t *testing.T) {
	prov := &fakeProvider{name: "glm", models: glmStub().models}
	prov.streamFn = func(call int, auth Auth, req *ChatRequest) (<-chan StreamChunk, error) {
		if call == 0 {
			return nil, types.NewError(types.ErrUnauthorized, "session rejected")
		}
		ch := make(chan StreamChunk, 3)
		ch <- StreamChunk{Delta: types.Message{Role: types.RoleAssistant}}
		ch <- StreamChunk{Delta: types.Message{Content: "hello"}}
		ch <- StreamChunk{FinishReason: "stop"}
		close(ch)
		return ch, nil
	}
	fx := newRouterFixture(t, prov)
	fx.addCredential(t, "glm", "acct1", 2)
	fx.addCredential(t, "glm", "acct2", 1)

	out, err := fx.router.Stream(context.Background(), &ChatRequest{
		Model:    "GLM-4.5",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	var chunks []StreamChunk
	for c := range out {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "stop", chunks[2].FinishReason)

	assert.Equal(t, 2, prov.streamCalls)
	assert.Equal(t, pool.StateCooldown, credState(t, fx.pool, "glm", "acct1"))
	assert.Equal(t, pool.StateActive, credState(t, fx.pool, "glm", "acct2"))

	var succ pool.CredentialStats
	for _, s := range fx.pool.Stats()["glm"] {
		if s.ID == "acct2" {
			succ = s
		}
	}
	assert.EqualValues(t, 1, succ.TotalRequests)
	assert.EqualValues(t, 0, succ.FailedRequests)
}

func TestRouter_StreamMidstreamErrorIsTerminal(t *testing.T) {
	prov := &fakeProvider{name: "glm", models: glmStub().models}
	prov.streamFn = func(call int, auth Auth, req *ChatRequest) (<-chan StreamChunk, error) {
		ch := make(chan StreamChunk, 2)
		ch <- StreamChunk{Delta: types.Message{Content: "partial"}}
		ch <- StreamChunk{Err: types.NewError(types.ErrUpstreamProtocol, "bad frame")}
		close(ch)
		return ch, nil
	}
	fx := newRouterFixture(t, prov)
	fx.addCredential(t, "glm", "acct1", 1)

	out, err := fx.router.Stream(context.Background(), &ChatRequest{Model: "GLM-4.5"})
	require.NoError(t, err)

	var chunks []StreamChunk
	for c := range out {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	require.NotNil(t, chunks[1].Err)

	assert.Equal(t, 1, prov.streamCalls, "mid-stream failures are never retried")
	stats := fx.pool.Stats()["glm"]
	assert.EqualValues(t, 1, stats[0].FailedRequests)
}

func TestRouter_GenerateImage(t *testing.T) {
	prov := &fakeImageProvider{fakeProvider: fakeProvider{name: "qwen", models: qwenStub().models}}
	fx := newRouterFixture(t, prov)
	fx.addCredential(t, "qwen", "acct1", 1)

	resp, err := fx.router.GenerateImage(context.Background(), &ImageRequest{
		Model:  "qwen3-max",
		Prompt: "a lighthouse at dusk",
		Size:   "1024x1024",
	})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)

	require.Len(t, prov.imageReqs, 1)
	assert.True(t, prov.imageReqs[0].Mode.Image, "images endpoint implies image mode")
	assert.Equal(t, "qwen3-max", prov.imageReqs[0].Base.Name)
}

func TestRouter_GenerateImageUnsupportedProvider(t *testing.T) {
	prov := &fakeProvider{name: "glm", models: glmStub().models}
	fx := newRouterFixture(t, prov)
	fx.addCredential(t, "glm", "acct1", 1)

	_, err := fx.router.GenerateImage(context.Background(), &ImageRequest{
		Model:  "GLM-4.5",
		Prompt: "a lighthouse",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrBadRequest, types.GetErrorCode(err))
	assert.EqualValues(t, 0, fx.acquireCalls.Load(), "capability check precedes leasing")
}

func TestRouter_StampsCredentialIdentity(t *testing.T) {
	prov := &fakeImageProvider{fakeProvider: fakeProvider{name: "qwen", models: qwenStub().models}}
	fx := newRouterFixture(t, prov)
	fx.addCredential(t, "qwen", "acct7", 1)

	resp, err := fx.router.Completion(context.Background(), &ChatRequest{
		Model:    "qwen3-max",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "qwen", resp.Provider)
	assert.Equal(t, "acct7", resp.CredentialID)

	out, err := fx.router.Stream(context.Background(), &ChatRequest{
		Model:    "qwen3-max",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	var n int
	for c := range out {
		n++
		assert.Equal(t, "acct7", c.CredentialID, "every relayed chunk names the serving credential")
	}
	require.Positive(t, n)

	img, err := fx.router.GenerateImage(context.Background(), &ImageRequest{
		Model:  "qwen3-max",
		Prompt: "a lighthouse",
	})
	require.NoError(t, err)
	assert.Equal(t, "qwen", img.Provider)
	assert.Equal(t, "acct7", img.CredentialID)
}

func TestRouter_AcquireAuthFailureCoolsCredential(t *testing.T) {
	prov := &fakeProvider{name: "glm", models: glmStub().models}
	reg := NewRegistry()
	require.NoError(t, reg.Register(prov))

	store, err := session.NewStore(session.Config{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	credPool := pool.New(pool.Config{}, zap.NewNop())
	require.NoError(t, credPool.Add(pool.Credential{ID: "bad", Provider: "glm", Kind: pool.KindPassword}))

	acquire := func(ctx context.Context, h *pool.Handle) (*session.Bundle, error) {
		return nil, types.NewError(types.ErrCredentialsRejected, "login refused").WithProvider("glm")
	}
	router := NewRouter(reg, credPool, store, acquire, RouterOptions{Logger: zap.NewNop()})

	_, err = router.Completion(context.Background(), &ChatRequest{Model: "GLM-4.5"})
	require.Error(t, err)
	assert.Equal(t, types.ErrCredentialsRejected, types.GetErrorCode(err))
	assert.Equal(t, 0, prov.completeCalls)
	assert.Equal(t, pool.StateCooldown, credState(t, credPool, "glm", "bad"))
}
