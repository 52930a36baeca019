package acquire

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/internal/workqueue"
	"github.com/BaSui01/sessionflow/session"
	"github.com/BaSui01/sessionflow/session/browser"
	"github.com/BaSui01/sessionflow/session/pool"
	"github.com/BaSui01/sessionflow/types"
)

const (
	// defaultTimeout bounds one acquisition without a solver in play.
	defaultTimeout = 30 * time.Second
	// solverTimeout stretches the budget when an external solver may be
	// polled for up to two minutes.
	solverTimeout = 180 * time.Second

	defaultSessionTTL = 24 * time.Hour

	// GLM 的 localStorage JWT 在登录后异步落地，提取最多重试三次。
	tokenRetryAttempts = 3
	tokenRetryDelay    = 400 * time.Millisecond

	// pollInterval drives the await loops (login outcome, guest boot).
	pollInterval = 250 * time.Millisecond
)

// Hints carries optional per-call overrides for one acquisition.
type Hints struct {
	// LoginURL replaces the provider's default login entry point.
	LoginURL string
}

// Config tunes the acquirer.
type Config struct {
	// SessionTTL caps bundle lifetime when the harvested material carries
	// no expiry of its own (and floors it when the JWT outlives it).
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
	// Timeout bounds one acquisition end to end. Zero picks the default,
	// stretched automatically when a solver is configured.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxConcurrent caps simultaneous browser logins; each one costs a
	// headless Chrome process. Zero means unbounded. Token credentials
	// bypass the cap, they never touch a browser.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// LoginURLs overrides login entry points per provider id.
	LoginURLs map[string]string `yaml:"login_urls" json:"login_urls"`
	// Solver configures the external challenge solver; empty APIKey
	// disables it and slider challenges are the only solvable kind.
	Solver SolverConfig `yaml:"solver" json:"solver"`
}

// Acquirer drives browser login flows and normalizes their results into
// session bundles. One Acquirer serves all providers; each acquisition
// launches a fresh browser context so failures stay isolated.
type Acquirer struct {
	launcher browser.Launcher
	solver   *Solver
	gate     *workqueue.Gate
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	newRng   func() *rand.Rand
}

// Option customizes acquirer construction.
type Option func(*Acquirer)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Acquirer) { a.now = now }
}

// WithSolver injects a pre-built solver (tests point it at a fake).
func WithSolver(s *Solver) Option {
	return func(a *Acquirer) { a.solver = s }
}

// WithRand overrides drag-path randomness, for deterministic tests.
func WithRand(newRng func() *rand.Rand) Option {
	return func(a *Acquirer) { a.newRng = newRng }
}

// New creates an acquirer on top of a page launcher.
func New(launcher browser.Launcher, cfg Config, logger *zap.Logger, opts ...Option) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	a := &Acquirer{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "acquirer")),
		now:      time.Now,
		newRng: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
	if cfg.Solver.APIKey != "" {
		a.solver = NewSolver(cfg.Solver, logger)
	}
	if cfg.MaxConcurrent > 0 {
		a.gate = workqueue.NewGate(workqueue.GateConfig{
			MaxConcurrent: cfg.MaxConcurrent,
		})
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Close releases the login gate workers. Needed only when MaxConcurrent
// is set; a nil-gate acquirer has nothing to release.
func (a *Acquirer) Close() {
	if a.gate != nil {
		a.gate.Close()
	}
}

func (a *Acquirer) timeout() time.Duration {
	if a.cfg.Timeout > 0 {
		return a.cfg.Timeout
	}
	if a.solver != nil {
		return solverTimeout
	}
	return defaultTimeout
}

// Acquire produces a fresh bundle for the credential's provider. Blocking;
// a browser login typically takes 5–15 seconds. Token credentials skip the
// browser entirely. Guest credentials run the provider's anonymous flow.
// With MaxConcurrent set, browser logins queue behind the gate so that at
// most that many Chrome processes are alive at once.
func (a *Acquirer) Acquire(ctx context.Context, cred pool.Credential, hints Hints) (*session.Bundle, error) {
	if cred.Kind == pool.KindToken {
		return a.tokenBundle(cred)
	}
	if a.gate == nil {
		return a.browserAcquire(ctx, cred, hints)
	}

	var bundle *session.Bundle
	err := a.gate.Do(ctx, func(ctx context.Context) error {
		var taskErr error
		bundle, taskErr = a.browserAcquire(ctx, cred, hints)
		return taskErr
	})
	if errors.Is(err, workqueue.ErrClosed) {
		return nil, types.NewError(types.ErrBrowserLaunchFailed,
			"acquirer is shut down").
			WithProvider(cred.Provider).WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable)
	}
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

func (a *Acquirer) browserAcquire(ctx context.Context, cred pool.Credential, hints Hints) (*session.Bundle, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	start := a.now()
	a.logger.Info("starting browser acquisition",
		zap.String("provider", cred.Provider),
		zap.String("credential_id", cred.ID),
		zap.String("kind", string(cred.Kind)))

	page, err := a.launcher.Launch(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrBrowserLaunchFailed,
			"failed to launch browser context").
			WithProvider(cred.Provider).WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable)
	}
	defer page.Close()

	var bundle *session.Bundle
	switch cred.Provider {
	case "glm":
		bundle, err = a.loginGLM(ctx, page, cred, hints)
	case "qwen":
		bundle, err = a.loginQwen(ctx, page, cred, hints)
	case "kimi":
		bundle, err = a.loginKimi(ctx, page, cred, hints)
	default:
		err = types.NewError(types.ErrInternalError,
			fmt.Sprintf("no login flow for provider %q", cred.Provider)).
			WithProvider(cred.Provider)
	}
	if err != nil {
		a.logger.Warn("acquisition failed",
			zap.String("provider", cred.Provider),
			zap.String("credential_id", cred.ID),
			zap.String("error_code", string(types.GetErrorCode(err))),
			zap.Duration("elapsed", a.now().Sub(start)))
		return nil, err
	}

	a.logger.Info("acquisition succeeded",
		zap.String("provider", cred.Provider),
		zap.String("credential_id", cred.ID),
		zap.Int("cookies", len(bundle.Cookies)),
		zap.Bool("has_token", bundle.BearerToken != ""),
		zap.Time("expires_at", bundle.ExpiresAt),
		zap.Duration("elapsed", a.now().Sub(start)))
	return bundle, nil
}

// ExtractOnly salvages a bundle from a caller-supplied page that is
// already logged in. No navigation or form driving happens; only the
// provider's harvest and post-processing run.
func (a *Acquirer) ExtractOnly(ctx context.Context, page browser.Page, providerID string) (*session.Bundle, error) {
	switch providerID {
	case "glm":
		return a.harvestGLM(ctx, page)
	case "qwen":
		return a.harvestQwen(ctx, page)
	case "kimi":
		return a.harvestKimi(ctx, page, false)
	}
	return nil, types.NewError(types.ErrInternalError,
		fmt.Sprintf("no harvest rules for provider %q", providerID)).
		WithProvider(providerID)
}

// tokenBundle synthesizes a bundle from a static operator token without
// touching a browser.
func (a *Acquirer) tokenBundle(cred pool.Credential) (*session.Bundle, error) {
	if cred.Token == "" {
		return nil, types.NewError(types.ErrCredentialsRejected,
			"token credential has no token material").
			WithProvider(cred.Provider).WithHTTPStatus(http.StatusUnauthorized)
	}

	now := a.now()
	b := &session.Bundle{
		ProviderID:  cred.Provider,
		BearerToken: cred.Token,
		Cookies:     map[string]string{"token": cred.Token},
		CreatedAt:   now,
		ExpiresAt:   now.Add(a.cfg.SessionTTL),
	}
	a.decorateTokenBundle(b, cred)

	if exp, ok := tokenExpiry(b.BearerToken); ok {
		if !exp.After(now) {
			return nil, types.NewError(types.ErrCredentialsRejected,
				"token credential is already expired").
				WithProvider(cred.Provider).WithHTTPStatus(http.StatusUnauthorized)
		}
		if exp.Before(b.ExpiresAt) {
			b.ExpiresAt = exp
		}
	}

	a.logger.Info("synthesized bundle from static token",
		zap.String("provider", cred.Provider),
		zap.String("credential_id", cred.ID),
		zap.Time("expires_at", b.ExpiresAt))
	return b, nil
}

func (a *Acquirer) loginURL(providerID, fallback string, hints Hints) string {
	if hints.LoginURL != "" {
		return hints.LoginURL
	}
	if u := a.cfg.LoginURLs[providerID]; u != "" {
		return u
	}
	return fallback
}

// awaitLogin polls for the login outcome after submit: the URL leaving the
// auth path means success, a visible rejection marker means the provider
// refused the credentials.
func (a *Acquirer) awaitLogin(ctx context.Context, page browser.Page, providerID, authFragment, rejectSel string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if rejectSel != "" {
			if rejected, err := page.Exists(ctx, rejectSel); err == nil && rejected {
				return types.NewError(types.ErrCredentialsRejected,
					"provider rejected the supplied credentials").
					WithProvider(providerID).WithHTTPStatus(http.StatusUnauthorized)
			}
		}
		cur, err := page.CurrentURL(ctx)
		if err == nil && cur != "" && !strings.Contains(cur, authFragment) {
			return nil
		}
		select {
		case <-ctx.Done():
			return types.NewError(types.ErrNavigationTimeout,
				"login did not complete before the deadline").
				WithProvider(providerID).WithCause(ctx.Err()).
				WithHTTPStatus(http.StatusGatewayTimeout)
		case <-ticker.C:
		}
	}
}

// stepError wraps a flow-step failure: exceeded deadlines surface as
// NavigationTimeout, anything else keeps the given code.
func stepError(providerID, step string, err error, code types.ErrorCode) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return types.NewError(types.ErrNavigationTimeout,
			fmt.Sprintf("login flow timed out at step %q", step)).
			WithProvider(providerID).WithCause(err).
			WithHTTPStatus(http.StatusGatewayTimeout)
	}
	return types.NewError(code,
		fmt.Sprintf("login flow failed at step %q", step)).
		WithProvider(providerID).WithCause(err)
}

func contextError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// sleepCtx 可中断的退避等待。
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// tokenExpiry reads the exp claim of a JWT without verifying its
// signature. The gateway never trusts the token for authz decisions, it
// only schedules refreshes, so an unverified parse is fine here.
func tokenExpiry(raw string) (time.Time, bool) {
	if strings.Count(raw, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// clampExpiry picks the bundle expiry: the JWT exp when present and
// earlier than the TTL window, the TTL window otherwise.
func (a *Acquirer) clampExpiry(b *session.Bundle) {
	now := a.now()
	b.CreatedAt = now
	b.ExpiresAt = now.Add(a.cfg.SessionTTL)
	if b.BearerToken == "" {
		return
	}
	if exp, ok := tokenExpiry(b.BearerToken); ok && exp.After(now) && exp.Before(b.ExpiresAt) {
		b.ExpiresAt = exp
	}
}
