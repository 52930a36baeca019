package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

var (
	_ Launcher = (*ChromeLauncher)(nil)
	_ Page     = (*chromePage)(nil)
)

// ChromeLauncher launches a dedicated headless Chrome per acquisition.
// 每次登录使用独立的浏览器上下文，互不污染 cookie 与指纹。
type ChromeLauncher struct {
	cfg    Config
	logger *zap.Logger
}

// NewChromeLauncher creates a launcher with the given configuration.
func NewChromeLauncher(cfg Config, logger *zap.Logger) *ChromeLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1920
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 1080
	}
	return &ChromeLauncher{cfg: cfg, logger: logger}
}

// Launch starts a fresh browser context and returns a ready page.
func (l *ChromeLauncher) Launch(ctx context.Context) (Page, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(l.cfg.ViewportWidth, l.cfg.ViewportHeight),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(l.cfg.ProxyURL))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	pageCtx, pageCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(l.logger.Sugar().Errorf),
	)
	var timeoutCancel context.CancelFunc = func() {}
	if l.cfg.Timeout > 0 {
		pageCtx, timeoutCancel = context.WithTimeout(pageCtx, l.cfg.Timeout)
	}

	p := &chromePage{
		ctx:    pageCtx,
		logger: l.logger,
		cancel: func() {
			timeoutCancel()
			pageCancel()
			allocCancel()
		},
	}

	// Eagerly start the browser so launch failures surface here instead of
	// on the first navigation.
	if err := chromedp.Run(pageCtx); err != nil {
		p.cancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	l.logger.Debug("browser context started",
		zap.Bool("headless", l.cfg.Headless),
		zap.Int("viewport_width", l.cfg.ViewportWidth),
		zap.Int("viewport_height", l.cfg.ViewportHeight))
	return p, nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// run executes actions on the page context while honoring the caller's
// deadline. chromedp actions are bound to the page context, so on caller
// timeout the action keeps running until Close tears the page down.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(p.ctx, actions...)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait visible %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	expr := fmt.Sprintf(`document.querySelector(%q) !== null`, selector)
	if err := p.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	return found, nil
}

func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	err := p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	err := p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) SetValue(ctx context.Context, selector, value string) error {
	// Assign the value property directly and fire input/change events so
	// framework-bound fields (and hidden captcha textareas) pick it up.
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.value = %q;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})()`, selector, value)
	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return fmt.Errorf("set value %s: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("set value %s: element not found", selector)
	}
	return nil
}

func (p *chromePage) Eval(ctx context.Context, expr string, out any) error {
	if err := p.run(ctx, chromedp.Evaluate(expr, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (p *chromePage) Drag(ctx context.Context, path DragPath) error {
	if len(path.Steps) == 0 {
		return fmt.Errorf("drag: empty path")
	}
	action := chromedp.ActionFunc(func(actx context.Context) error {
		press := input.DispatchMouseEvent(input.MousePressed, path.Start.X, path.Start.Y).
			WithButton(input.Left).
			WithButtons(1).
			WithClickCount(1)
		if err := press.Do(actx); err != nil {
			return fmt.Errorf("press: %w", err)
		}
		for _, step := range path.Steps {
			move := input.DispatchMouseEvent(input.MouseMoved, step.To.X, step.To.Y).
				WithButton(input.Left).
				WithButtons(1)
			if err := move.Do(actx); err != nil {
				return fmt.Errorf("move: %w", err)
			}
			if err := sleepCtx(actx, step.Pause); err != nil {
				return err
			}
		}
		end := path.End()
		release := input.DispatchMouseEvent(input.MouseReleased, end.X, end.Y).
			WithButton(input.Left).
			WithClickCount(1)
		if err := release.Do(actx); err != nil {
			return fmt.Errorf("release: %w", err)
		}
		return nil
	})
	if err := p.run(ctx, action); err != nil {
		return fmt.Errorf("drag: %w", err)
	}
	return nil
}

func (p *chromePage) ElementBox(ctx context.Context, selector string) (Box, error) {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return null;
		const r = el.getBoundingClientRect();
		return {x: r.x, y: r.y, width: r.width, height: r.height};
	})()`, selector)
	var box *Box
	if err := p.run(ctx, chromedp.Evaluate(expr, &box)); err != nil {
		return Box{}, fmt.Errorf("element box %s: %w", selector, err)
	}
	if box == nil {
		return Box{}, fmt.Errorf("element box %s: element not found", selector)
	}
	return *box, nil
}

func (p *chromePage) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

func (p *chromePage) Cookies(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	action := chromedp.ActionFunc(func(actx context.Context) error {
		cookies, err := storage.GetCookies().Do(actx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out[c.Name] = c.Value
		}
		return nil
	})
	if err := p.run(ctx, action); err != nil {
		return nil, fmt.Errorf("cookies: %w", err)
	}
	return out, nil
}

func (p *chromePage) LocalStorage(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	if err := p.run(ctx, chromedp.Evaluate(`Object.assign({}, window.localStorage)`, &out)); err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	return out, nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
