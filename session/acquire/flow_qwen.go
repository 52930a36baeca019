package acquire

import (
	"context"
	"net/http"

	"github.com/BaSui01/sessionflow/providers/qwen"
	"github.com/BaSui01/sessionflow/session"
	"github.com/BaSui01/sessionflow/session/browser"
	"github.com/BaSui01/sessionflow/session/pool"
	"github.com/BaSui01/sessionflow/types"
)

// Qwen 系（chat.qwen.ai）登录流程与收获规则。
const (
	qwenLoginURL    = "https://chat.qwen.ai/auth?action=signin"
	qwenAuthPath    = "/auth"
	qwenEmailSel    = `input[type="email"]`
	qwenPasswordSel = `input[type="password"]`
	qwenSubmitSel   = `button[type="submit"]`
	qwenRejectSel   = `[role="alert"]`

	// qwenTokenKey 登录后的 JWT 在 localStorage 的键。
	qwenTokenKey = "token"
	// qwenCookieName 风控 Cookie；它和 token 一起构成发送时压缩的凭据。
	qwenCookieName = "ssxmod_itna"
)

func (a *Acquirer) loginQwen(ctx context.Context, page browser.Page, cred pool.Credential, hints Hints) (*session.Bundle, error) {
	if cred.Kind == pool.KindGuest {
		return nil, types.NewError(types.ErrCredentialsRejected,
			"qwen does not serve guest sessions").
			WithProvider("qwen").WithHTTPStatus(http.StatusUnauthorized)
	}

	url := a.loginURL("qwen", qwenLoginURL, hints)
	if err := page.Navigate(ctx, url); err != nil {
		return nil, stepError("qwen", "navigate", err, types.ErrNavigationTimeout)
	}
	if err := page.WaitVisible(ctx, qwenEmailSel); err != nil {
		return nil, stepError("qwen", "wait_login_form", err, types.ErrNavigationTimeout)
	}
	if err := page.Fill(ctx, qwenEmailSel, cred.Email); err != nil {
		return nil, stepError("qwen", "fill_email", err, types.ErrNavigationTimeout)
	}
	if err := page.Fill(ctx, qwenPasswordSel, cred.Password); err != nil {
		return nil, stepError("qwen", "fill_password", err, types.ErrNavigationTimeout)
	}
	// 阿里系登录页几乎总带滑块。
	if err := a.resolveChallenge(ctx, page, "qwen"); err != nil {
		return nil, err
	}
	if err := page.Click(ctx, qwenSubmitSel); err != nil {
		return nil, stepError("qwen", "submit", err, types.ErrNavigationTimeout)
	}
	if err := a.awaitLogin(ctx, page, "qwen", qwenAuthPath, qwenRejectSel); err != nil {
		return nil, err
	}
	return a.harvestQwen(ctx, page)
}

// harvestQwen stores the raw token and the anti-bot cookie value in the
// bundle extras. 适配器发送时才压缩（gzip+base64），缓存里永远是原始件，
// 这样 bundle 在 TTL 内始终可复用。
func (a *Acquirer) harvestQwen(ctx context.Context, page browser.Page) (*session.Bundle, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrHarvestFailed, "failed to read cookies").
			WithProvider("qwen").WithCause(err)
	}
	storage, err := page.LocalStorage(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrHarvestFailed, "failed to read localStorage").
			WithProvider("qwen").WithCause(err)
	}

	rawToken := storage[qwenTokenKey]
	if rawToken == "" {
		return nil, types.NewError(types.ErrHarvestFailed,
			"login completed but no token in localStorage").
			WithProvider("qwen")
	}
	cookieValue := cookies[qwenCookieName]
	if cookieValue == "" {
		// 风控 Cookie 缺席时退回 token Cookie；两个原始件都必须非空。
		cookieValue = cookies[qwenTokenKey]
	}
	if cookieValue == "" {
		return nil, types.NewError(types.ErrHarvestFailed,
			"no usable cookie value for credential compression").
			WithProvider("qwen")
	}

	b := &session.Bundle{
		ProviderID:  "qwen",
		Cookies:     cookies,
		BearerToken: rawToken,
		Extra: map[string]string{
			qwen.ExtraRawToken:    rawToken,
			qwen.ExtraCookieValue: cookieValue,
		},
	}
	a.clampExpiry(b)
	return b, nil
}

// decorateTokenBundle fills provider-specific extras for static-token
// credentials. Qwen operator tokens are usually exported in the already
// compressed wire form; decompressing here restores the raw parts the
// adapter expects.
func (a *Acquirer) decorateTokenBundle(b *session.Bundle, cred pool.Credential) {
	if cred.Provider != "qwen" {
		return
	}
	if raw, cookie, err := qwen.DecompressCredential(cred.Token); err == nil {
		b.BearerToken = raw
		b.Cookies = map[string]string{
			qwenTokenKey:   raw,
			qwenCookieName: cookie,
		}
		b.Extra = map[string]string{
			qwen.ExtraRawToken:    raw,
			qwen.ExtraCookieValue: cookie,
		}
		return
	}
	// 未压缩的裸 token：两个原始件都退化为它本身。
	b.Extra = map[string]string{
		qwen.ExtraRawToken:    cred.Token,
		qwen.ExtraCookieValue: cred.Token,
	}
}
