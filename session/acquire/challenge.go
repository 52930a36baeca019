package acquire

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/sessionflow/session/browser"
	"github.com/BaSui01/sessionflow/types"
)

// sliderWidget 描述一种滑块组件：拖动把手、轨道、以及通过后消失的标记。
type sliderWidget struct {
	name  string
	knob  string
	track string
}

// 已知滑块组件。阿里系（Qwen）常见 noCaptcha，其余站点多为极验样式。
var sliderWidgets = []sliderWidget{
	{name: "aliyun_nc", knob: "#nc_1_n1z", track: ".nc_scale"},
	{name: "geetest", knob: ".geetest_slider_button", track: ".geetest_slider"},
	{name: "generic", knob: ".slider-btn", track: ".slider-track"},
}

// hostedWidget 描述一种托管挑战（站点嵌入第三方 iframe/脚本）。
type hostedWidget struct {
	kind     string // solver 侧的任务类型
	probe    string // 检测用选择器
	sitekey  string // 读取 sitekey 的选择器
	response string // 回填 token 的字段
}

var hostedWidgets = []hostedWidget{
	{
		kind:     "recaptcha",
		probe:    ".g-recaptcha",
		sitekey:  ".g-recaptcha",
		response: `textarea[name="g-recaptcha-response"]`,
	},
	{
		kind:     "hcaptcha",
		probe:    ".h-captcha",
		sitekey:  ".h-captcha",
		response: `textarea[name="h-captcha-response"]`,
	},
	{
		kind:     "turnstile",
		probe:    ".cf-turnstile",
		sitekey:  ".cf-turnstile",
		response: `input[name="cf-turnstile-response"]`,
	},
}

// resolveChallenge 检测并处理登录页上的挑战。没有挑战时直接返回；滑块
// 本地拖动求解；托管挑战委托外部打码服务并把 token 回填进页面。
func (a *Acquirer) resolveChallenge(ctx context.Context, page browser.Page, providerID string) error {
	for _, w := range sliderWidgets {
		present, err := page.Exists(ctx, w.knob)
		if err != nil {
			return stepError(providerID, "detect_challenge", err, types.ErrNavigationTimeout)
		}
		if present {
			a.logger.Debug("slider challenge detected",
				zap.String("provider", providerID),
				zap.String("widget", w.name))
			return a.solveSlider(ctx, page, providerID, w)
		}
	}

	for _, w := range hostedWidgets {
		present, err := page.Exists(ctx, w.probe)
		if err != nil {
			return stepError(providerID, "detect_challenge", err, types.ErrNavigationTimeout)
		}
		if present {
			a.logger.Debug("hosted challenge detected",
				zap.String("provider", providerID),
				zap.String("kind", w.kind))
			return a.solveHosted(ctx, page, providerID, w)
		}
	}
	return nil
}

// solveSlider 把把手拖到轨道末端。服务端会拒绝瞬移，所以轨迹必须是
// 按下-移动-松开的拟人路径；最多尝试两次。
func (a *Acquirer) solveSlider(ctx context.Context, page browser.Page, providerID string, w sliderWidget) error {
	const attempts = 2
	for attempt := 1; attempt <= attempts; attempt++ {
		knob, err := page.ElementBox(ctx, w.knob)
		if err != nil {
			// 把手消失视为已通过（上次尝试成功或挑战自行撤下）。
			if attempt > 1 {
				return nil
			}
			return stepError(providerID, "slider_knob_box", err, types.ErrChallengeUnsolved)
		}
		track, err := page.ElementBox(ctx, w.track)
		if err != nil {
			return stepError(providerID, "slider_track_box", err, types.ErrChallengeUnsolved)
		}

		start := knob.Center()
		target := browser.Point{
			X: track.X + track.Width - knob.Width/2,
			Y: start.Y,
		}
		path := browser.HumanDragPath(start, target, a.newRng())
		if err := page.Drag(ctx, path); err != nil {
			return stepError(providerID, "slider_drag", err, types.ErrChallengeUnsolved)
		}

		// 成功的标志是把手不再存在。
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return stepError(providerID, "slider_verify", err, types.ErrChallengeUnsolved)
		}
		still, err := page.Exists(ctx, w.knob)
		if err == nil && !still {
			a.logger.Debug("slider challenge passed",
				zap.String("provider", providerID),
				zap.String("widget", w.name),
				zap.Int("attempt", attempt))
			return nil
		}
		a.logger.Debug("slider challenge still present after drag",
			zap.String("provider", providerID),
			zap.Int("attempt", attempt))
	}
	return types.NewError(types.ErrChallengeUnsolved,
		"slider challenge survived all drag attempts").
		WithProvider(providerID).WithHTTPStatus(http.StatusServiceUnavailable)
}

// solveHosted 读取 sitekey，提交给外部打码服务，轮询拿到 token 后回填
// 到挑战的响应字段。未配置打码服务时直接判定无解。
func (a *Acquirer) solveHosted(ctx context.Context, page browser.Page, providerID string, w hostedWidget) error {
	if a.solver == nil {
		return types.NewError(types.ErrChallengeUnsolved,
			"page presented a "+w.kind+" challenge but no solver service is configured").
			WithProvider(providerID).WithHTTPStatus(http.StatusServiceUnavailable)
	}

	var siteKey string
	expr := `document.querySelector(` + jsString(w.sitekey) + `).getAttribute("data-sitekey")`
	if err := page.Eval(ctx, expr, &siteKey); err != nil || siteKey == "" {
		return types.NewError(types.ErrChallengeUnsolved,
			"could not read challenge sitekey").
			WithProvider(providerID).WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable)
	}
	pageURL, err := page.CurrentURL(ctx)
	if err != nil {
		return stepError(providerID, "challenge_page_url", err, types.ErrChallengeUnsolved)
	}

	token, err := a.solver.Solve(ctx, Challenge{Kind: w.kind, SiteKey: siteKey, PageURL: pageURL})
	if err != nil {
		return types.NewError(types.ErrChallengeUnsolved,
			"solver service failed to produce a token").
			WithProvider(providerID).WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable)
	}

	if err := page.SetValue(ctx, w.response, token); err != nil {
		return stepError(providerID, "challenge_splice", err, types.ErrChallengeUnsolved)
	}
	a.logger.Debug("hosted challenge token spliced",
		zap.String("provider", providerID),
		zap.String("kind", w.kind))
	return nil
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			out = append(out, '\\', c)
		default:
			out = append(out, c)
		}
	}
	return string(append(out, '"'))
}
