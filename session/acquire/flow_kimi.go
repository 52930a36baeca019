package acquire

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/session"
	"github.com/BaSui01/sessionflow/session/browser"
	"github.com/BaSui01/sessionflow/session/pool"
	"github.com/BaSui01/sessionflow/types"
)

// K2 系（kimi.com）登录流程与收获规则。登录是可选的：首次访问时前端会
// 自动注册设备并签发游客 token，游客会话即合法 bundle。
const (
	kimiHomeURL     = "https://www.kimi.com/"
	kimiLoginURL    = "https://www.kimi.com/login"
	kimiAuthPath    = "/login"
	kimiEmailSel    = `input[type="email"]`
	kimiPasswordSel = `input[type="password"]`
	kimiSubmitSel   = `button[type="submit"]`
	kimiRejectSel   = `[role="alert"]`

	kimiAccessTokenKey  = "access_token"
	kimiRefreshTokenKey = "refresh_token"

	// ExtraRefreshToken 在 bundle extras 里保存刷新 token。
	ExtraRefreshToken = "refresh_token"

	// 游客 token 由前端异步签发，启动等待的上限。
	kimiGuestBootWait = 10 * time.Second
)

func (a *Acquirer) loginKimi(ctx context.Context, page browser.Page, cred pool.Credential, hints Hints) (*session.Bundle, error) {
	if cred.Kind == pool.KindGuest || cred.Email == "" {
		return a.guestKimi(ctx, page, hints)
	}

	url := a.loginURL("kimi", kimiLoginURL, hints)
	if err := page.Navigate(ctx, url); err != nil {
		return nil, stepError("kimi", "navigate", err, types.ErrNavigationTimeout)
	}
	if err := page.WaitVisible(ctx, kimiEmailSel); err != nil {
		return nil, stepError("kimi", "wait_login_form", err, types.ErrNavigationTimeout)
	}
	if err := page.Fill(ctx, kimiEmailSel, cred.Email); err != nil {
		return nil, stepError("kimi", "fill_email", err, types.ErrNavigationTimeout)
	}
	if err := page.Fill(ctx, kimiPasswordSel, cred.Password); err != nil {
		return nil, stepError("kimi", "fill_password", err, types.ErrNavigationTimeout)
	}
	if err := a.resolveChallenge(ctx, page, "kimi"); err != nil {
		return nil, err
	}
	if err := page.Click(ctx, kimiSubmitSel); err != nil {
		return nil, stepError("kimi", "submit", err, types.ErrNavigationTimeout)
	}
	if err := a.awaitLogin(ctx, page, "kimi", kimiAuthPath, kimiRejectSel); err != nil {
		return nil, err
	}
	return a.harvestKimi(ctx, page, false)
}

// guestKimi 访问首页，等前端完成设备注册后收获游客会话。
func (a *Acquirer) guestKimi(ctx context.Context, page browser.Page, hints Hints) (*session.Bundle, error) {
	url := a.loginURL("kimi", kimiHomeURL, hints)
	if err := page.Navigate(ctx, url); err != nil {
		return nil, stepError("kimi", "navigate", err, types.ErrNavigationTimeout)
	}

	bootCtx, cancel := context.WithTimeout(ctx, kimiGuestBootWait)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
wait:
	for {
		storage, err := page.LocalStorage(ctx)
		if err == nil && storage[kimiAccessTokenKey] != "" {
			break
		}
		select {
		case <-bootCtx.Done():
			// 没等到 token 不算失败：仅 Cookie 的游客 bundle 也合法。
			a.logger.Debug("kimi guest token did not appear, harvesting anyway")
			break wait
		case <-ticker.C:
		}
	}
	return a.harvestKimi(ctx, page, true)
}

func (a *Acquirer) harvestKimi(ctx context.Context, page browser.Page, guest bool) (*session.Bundle, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrHarvestFailed, "failed to read cookies").
			WithProvider("kimi").WithCause(err)
	}
	storage, err := page.LocalStorage(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrHarvestFailed, "failed to read localStorage").
			WithProvider("kimi").WithCause(err)
	}

	token := storage[kimiAccessTokenKey]
	if token == "" && len(cookies) == 0 {
		return nil, types.NewError(types.ErrHarvestFailed,
			"neither access token nor cookies were harvested").
			WithProvider("kimi")
	}
	if token == "" && !guest {
		a.logger.Warn("kimi access token missing after authenticated login, keeping cookie-only bundle",
			zap.Int("cookies", len(cookies)))
	}

	b := &session.Bundle{
		ProviderID:  "kimi",
		Cookies:     cookies,
		BearerToken: token,
	}
	if refresh := storage[kimiRefreshTokenKey]; refresh != "" {
		b.Extra = map[string]string{ExtraRefreshToken: refresh}
	}
	a.clampExpiry(b)
	return b, nil
}
