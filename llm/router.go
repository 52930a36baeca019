package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/session"
	"github.com/BaSui01/sessionflow/session/pool"
	"github.com/BaSui01/sessionflow/types"
)

// AcquireFunc produces a fresh session bundle for the provider named in
// the checked-out credential. The context it receives is detached from any
// single request so a slow login can finish and be cached even when the
// triggering caller gives up.
type AcquireFunc func(ctx context.Context, h *pool.Handle) (*session.Bundle, error)

// RouterOptions tunes router behavior.
type RouterOptions struct {
	// RequestTimeout bounds one upstream call, streaming included.
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

func normalizeRouterOptions(opts RouterOptions) RouterOptions {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	return opts
}

// Router ties the pieces together: resolve the public model name, lease a
// credential plus session bundle, dispatch to the owning adapter, and
// report the outcome back to the pool.
//
// 401/403 的重试在这里统一编排：失效会话作废、凭据记一次鉴权失败、换一份
// 新会话重试一次。适配器内部只负责 429/5xx 的退避重试。
type Router struct {
	registry *Registry
	pool     *pool.Pool
	store    *session.Store
	acquire  AcquireFunc
	logger   *zap.Logger
	timeout  time.Duration
}

// NewRouter wires a router. acquire may be nil only when every credential
// is a pre-baked token bundle already present in the store.
func NewRouter(registry *Registry, credPool *pool.Pool, store *session.Store, acquire AcquireFunc, opts RouterOptions) *Router {
	opts = normalizeRouterOptions(opts)
	return &Router{
		registry: registry,
		pool:     credPool,
		store:    store,
		acquire:  acquire,
		logger:   opts.Logger,
		timeout:  opts.RequestTimeout,
	}
}

// ListModels exposes the registry's catalog for the /v1/models surface.
func (r *Router) ListModels() []ModelDescriptor {
	return r.registry.Models()
}

type dispatch struct {
	desc  ModelDescriptor
	flags ModeFlags
	prov  Provider
}

func (r *Router) resolve(model string, preset ModeFlags) (dispatch, error) {
	desc, flags, prov, err := r.registry.Resolve(model)
	if err != nil {
		return dispatch{}, err
	}
	return dispatch{desc: desc, flags: mergeFlags(flags, preset), prov: prov}, nil
}

func mergeFlags(a, b ModeFlags) ModeFlags {
	return ModeFlags{
		Thinking:  a.Thinking || b.Thinking,
		Search:    a.Search || b.Search,
		Air:       a.Air || b.Air,
		Image:     a.Image || b.Image,
		ImageEdit: a.ImageEdit || b.ImageEdit,
		Video:     a.Video || b.Video,
	}
}

func (r *Router) withTimeout(ctx context.Context, override time.Duration) (context.Context, context.CancelFunc) {
	d := r.timeout
	if override > 0 {
		d = override
	}
	return context.WithTimeout(ctx, d)
}

// lease checks out a credential and materializes its session bundle.
// Exactly one outcome report happens per leased handle; acquisition
// failures are reported here, dispatch outcomes by the caller.
func (r *Router) lease(ctx context.Context, providerID string) (*pool.Handle, Auth, error) {
	h, err := r.pool.Checkout(providerID)
	if err != nil {
		return nil, Auth{}, types.NewError(types.ErrAuthenticationFailed,
			"no usable credential for provider "+providerID).
			WithProvider(providerID).WithCause(err)
	}

	auth := Auth{Token: h.Token}
	bundle, err := r.store.GetOrAcquire(ctx, providerID, func(flightCtx context.Context) (*session.Bundle, error) {
		if r.acquire == nil {
			return nil, types.NewError(types.ErrAuthenticationFailed,
				"no session acquirer configured and no cached bundle for "+providerID).
				WithProvider(providerID)
		}
		return r.acquire(flightCtx, h)
	})
	if err != nil {
		if outcome, report := acquireOutcome(err); report {
			r.pool.Report(h, outcome)
		}
		return nil, Auth{}, err
	}
	auth.Bundle = bundle
	return h, auth, nil
}

// acquireOutcome maps an acquisition error to a pool outcome. Context
// errors mean the caller gave up while the shared flight keeps running, so
// the credential is not penalized.
func acquireOutcome(err error) (pool.Outcome, bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", false
	}
	if types.IsAuthFailure(err) {
		return pool.OutcomeAuthFailure, true
	}
	return pool.OutcomeTransientFailure, true
}

// dispatchOutcome maps a dispatch error to a pool outcome. Client-caused
// errors, including the client hanging up mid-call, do not penalize the
// credential.
func dispatchOutcome(err error) pool.Outcome {
	if errors.Is(err, context.Canceled) {
		return pool.OutcomeSuccess
	}
	switch types.GetErrorCode(err) {
	case types.ErrUpstreamRateLimited, types.ErrUpstreamUnavailable,
		types.ErrUpstreamTimeout, types.ErrUpstreamProtocol:
		return pool.OutcomeTransientFailure
	case types.ErrBadRequest, types.ErrUnsupportedContentPart, types.ErrUnknownModel:
		return pool.OutcomeSuccess
	}
	return pool.OutcomeTransientFailure
}

// Completion performs a blocking chat call.
func (r *Router) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx, req.Timeout)
	defer cancel()

	d, err := r.resolve(req.Model, req.Mode)
	if err != nil {
		return nil, err
	}
	req.Base, req.Mode = d.desc, d.flags
	return r.completeOnce(ctx, d, req, false)
}

func (r *Router) completeOnce(ctx context.Context, d dispatch, req *ChatRequest, retried bool) (*ChatResponse, error) {
	h, auth, err := r.lease(ctx, d.desc.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := d.prov.Completion(ctx, auth, req)
	if err != nil {
		if types.IsAuthFailure(err) {
			r.invalidateSession(d.desc.Provider)
			r.pool.Report(h, pool.OutcomeAuthFailure)
			if !retried {
				r.logger.Warn("upstream rejected session, retrying with fresh credentials",
					zap.String("provider", d.desc.Provider),
					zap.String("model", req.Model),
					zap.String("request_id", req.RequestID))
				return r.completeOnce(ctx, d, req, true)
			}
			return nil, err
		}
		r.pool.Report(h, dispatchOutcome(err))
		return nil, err
	}
	r.pool.Report(h, pool.OutcomeSuccess)
	if resp.Provider == "" {
		resp.Provider = d.desc.Provider
	}
	resp.CredentialID = h.ID
	return resp, nil
}

// Stream performs a streaming chat call. The returned channel closes after
// the terminal chunk; mid-stream failures arrive as a chunk with Err set
// and are never retried.
func (r *Router) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ctx, cancel := r.withTimeout(ctx, req.Timeout)

	d, err := r.resolve(req.Model, req.Mode)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Base, req.Mode = d.desc, d.flags

	upstream, h, err := r.streamOnce(ctx, d, req, false)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer cancel()
		defer close(out)
		failed := false
		for chunk := range upstream {
			chunk.CredentialID = h.ID
			if chunk.Err != nil {
				failed = true
				if chunk.Err.Code == types.ErrAuthenticationFailed ||
					chunk.Err.Code == types.ErrUnauthorized ||
					chunk.Err.Code == types.ErrCredentialsRejected {
					// Too late to retry mid-stream; make sure the next
					// request starts from a fresh login.
					r.invalidateSession(d.desc.Provider)
					r.pool.Report(h, pool.OutcomeAuthFailure)
				} else {
					r.pool.Report(h, dispatchOutcome(chunk.Err))
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Client went away mid-stream. The upstream read loop sees
				// the same cancellation; the credential did nothing wrong.
				if !failed {
					r.pool.Report(h, pool.OutcomeSuccess)
				}
				return
			}
		}
		if !failed {
			r.pool.Report(h, pool.OutcomeSuccess)
		}
	}()
	return out, nil
}

func (r *Router) streamOnce(ctx context.Context, d dispatch, req *ChatRequest, retried bool) (<-chan StreamChunk, *pool.Handle, error) {
	h, auth, err := r.lease(ctx, d.desc.Provider)
	if err != nil {
		return nil, nil, err
	}

	upstream, err := d.prov.Stream(ctx, auth, req)
	if err != nil {
		if types.IsAuthFailure(err) {
			r.invalidateSession(d.desc.Provider)
			r.pool.Report(h, pool.OutcomeAuthFailure)
			if !retried {
				r.logger.Warn("upstream rejected session on stream setup, retrying with fresh credentials",
					zap.String("provider", d.desc.Provider),
					zap.String("model", req.Model),
					zap.String("request_id", req.RequestID))
				return r.streamOnce(ctx, d, req, true)
			}
			return nil, nil, err
		}
		r.pool.Report(h, dispatchOutcome(err))
		return nil, nil, err
	}
	return upstream, h, nil
}

// GenerateImage routes an image-generation request. The images endpoint
// implies image mode when the model name carries no generation suffix.
func (r *Router) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error) {
	ctx, cancel := r.withTimeout(ctx, 0)
	defer cancel()

	d, err := r.resolve(req.Model, req.Mode)
	if err != nil {
		return nil, err
	}
	if !d.flags.Generation() {
		d.flags.Image = true
	}
	req.Base, req.Mode = d.desc, d.flags

	gen, ok := d.prov.(ImageGenerator)
	if !ok {
		return nil, types.NewError(types.ErrBadRequest,
			"model "+req.Model+" does not support image generation").
			WithProvider(d.desc.Provider)
	}
	return r.generateOnce(ctx, d, gen, req, false)
}

func (r *Router) generateOnce(ctx context.Context, d dispatch, gen ImageGenerator, req *ImageRequest, retried bool) (*ImageResponse, error) {
	h, auth, err := r.lease(ctx, d.desc.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := gen.GenerateImage(ctx, auth, req)
	if err != nil {
		if types.IsAuthFailure(err) {
			r.invalidateSession(d.desc.Provider)
			r.pool.Report(h, pool.OutcomeAuthFailure)
			if !retried {
				return r.generateOnce(ctx, d, gen, req, true)
			}
			return nil, err
		}
		r.pool.Report(h, dispatchOutcome(err))
		return nil, err
	}
	r.pool.Report(h, pool.OutcomeSuccess)
	resp.Provider = d.desc.Provider
	resp.CredentialID = h.ID
	return resp, nil
}

func (r *Router) invalidateSession(providerID string) {
	if err := r.store.Invalidate(providerID); err != nil {
		r.logger.Error("failed to invalidate session bundle",
			zap.String("provider", providerID),
			zap.Error(err))
	}
}
