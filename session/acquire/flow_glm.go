package acquire

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/session"
	"github.com/BaSui01/sessionflow/session/browser"
	"github.com/BaSui01/sessionflow/session/pool"
	"github.com/BaSui01/sessionflow/types"
)

// GLM 系（chat.z.ai）登录流程与收获规则。
const (
	glmLoginURL    = "https://chat.z.ai/auth"
	glmAuthPath    = "/auth"
	glmEmailSel    = `input[type="email"]`
	glmPasswordSel = `input[type="password"]`
	glmSubmitSel   = `button[type="submit"]`
	glmRejectSel   = `[role="alert"]`

	// glmTokenKey 登录后前端把 JWT 写进 localStorage 的键。
	glmTokenKey = "token"
)

func (a *Acquirer) loginGLM(ctx context.Context, page browser.Page, cred pool.Credential, hints Hints) (*session.Bundle, error) {
	if cred.Kind == pool.KindGuest {
		return nil, types.NewError(types.ErrCredentialsRejected,
			"glm does not serve guest sessions").
			WithProvider("glm").WithHTTPStatus(http.StatusUnauthorized)
	}

	url := a.loginURL("glm", glmLoginURL, hints)
	if err := page.Navigate(ctx, url); err != nil {
		return nil, stepError("glm", "navigate", err, types.ErrNavigationTimeout)
	}
	if err := page.WaitVisible(ctx, glmEmailSel); err != nil {
		return nil, stepError("glm", "wait_login_form", err, types.ErrNavigationTimeout)
	}
	if err := page.Fill(ctx, glmEmailSel, cred.Email); err != nil {
		return nil, stepError("glm", "fill_email", err, types.ErrNavigationTimeout)
	}
	if err := page.Fill(ctx, glmPasswordSel, cred.Password); err != nil {
		return nil, stepError("glm", "fill_password", err, types.ErrNavigationTimeout)
	}
	if err := a.resolveChallenge(ctx, page, "glm"); err != nil {
		return nil, err
	}
	if err := page.Click(ctx, glmSubmitSel); err != nil {
		return nil, stepError("glm", "submit", err, types.ErrNavigationTimeout)
	}
	if err := a.awaitLogin(ctx, page, "glm", glmAuthPath, glmRejectSel); err != nil {
		return nil, err
	}
	return a.harvestGLM(ctx, page)
}

// harvestGLM collects cookies plus the localStorage JWT. The frontend
// writes the token asynchronously after the redirect, so extraction polls
// up to three times before falling back to a cookie-only bundle.
func (a *Acquirer) harvestGLM(ctx context.Context, page browser.Page) (*session.Bundle, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrHarvestFailed, "failed to read cookies").
			WithProvider("glm").WithCause(err)
	}

	var token string
	for attempt := 1; attempt <= tokenRetryAttempts; attempt++ {
		storage, serr := page.LocalStorage(ctx)
		if serr == nil {
			token = storage[glmTokenKey]
		}
		if token != "" {
			break
		}
		a.logger.Debug("glm token not yet in localStorage",
			zap.Int("attempt", attempt))
		if attempt < tokenRetryAttempts {
			if err := sleepCtx(ctx, tokenRetryDelay); err != nil {
				break
			}
		}
	}

	if token == "" && len(cookies) == 0 {
		return nil, types.NewError(types.ErrHarvestFailed,
			"login completed but neither token nor cookies were harvested").
			WithProvider("glm")
	}
	if token == "" {
		// 仅 Cookie 的 bundle 对普通对话调用足够。
		a.logger.Warn("glm token extraction exhausted retries, keeping cookie-only bundle",
			zap.Int("cookies", len(cookies)))
	}

	b := &session.Bundle{
		ProviderID:  "glm",
		Cookies:     cookies,
		BearerToken: token,
	}
	a.clampExpiry(b)
	return b, nil
}
