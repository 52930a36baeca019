package browser

import (
	"context"
	"sync"
)

var (
	_ Page     = (*ScriptedPage)(nil)
	_ Launcher = (*ScriptedLauncher)(nil)
)

// ScriptedPage is a test double for Page. The zero value succeeds on every
// call and records activity; tests override individual function fields to
// script failures or page state.
type ScriptedPage struct {
	mu sync.Mutex

	NavigateFunc     func(ctx context.Context, url string) error
	WaitVisibleFunc  func(ctx context.Context, selector string) error
	ExistsFunc       func(ctx context.Context, selector string) (bool, error)
	FillFunc         func(ctx context.Context, selector, value string) error
	ClickFunc        func(ctx context.Context, selector string) error
	SetValueFunc     func(ctx context.Context, selector, value string) error
	EvalFunc         func(ctx context.Context, expr string, out any) error
	DragFunc         func(ctx context.Context, path DragPath) error
	ElementBoxFunc   func(ctx context.Context, selector string) (Box, error)
	CurrentURLFunc   func(ctx context.Context) (string, error)
	CookiesFunc      func(ctx context.Context) (map[string]string, error)
	LocalStorageFunc func(ctx context.Context) (map[string]string, error)

	Navigated  []string
	Waited     []string
	Filled     map[string]string
	Clicked    []string
	Spliced    map[string]string
	Dragged    []DragPath
	CloseCalls int
}

func (p *ScriptedPage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.Navigated = append(p.Navigated, url)
	fn := p.NavigateFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, url)
	}
	return nil
}

func (p *ScriptedPage) WaitVisible(ctx context.Context, selector string) error {
	p.mu.Lock()
	p.Waited = append(p.Waited, selector)
	fn := p.WaitVisibleFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, selector)
	}
	return nil
}

func (p *ScriptedPage) Exists(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	fn := p.ExistsFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, selector)
	}
	return false, nil
}

func (p *ScriptedPage) Fill(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	if p.Filled == nil {
		p.Filled = make(map[string]string)
	}
	p.Filled[selector] = value
	fn := p.FillFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, selector, value)
	}
	return nil
}

func (p *ScriptedPage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	p.Clicked = append(p.Clicked, selector)
	fn := p.ClickFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, selector)
	}
	return nil
}

func (p *ScriptedPage) SetValue(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	if p.Spliced == nil {
		p.Spliced = make(map[string]string)
	}
	p.Spliced[selector] = value
	fn := p.SetValueFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, selector, value)
	}
	return nil
}

func (p *ScriptedPage) Eval(ctx context.Context, expr string, out any) error {
	p.mu.Lock()
	fn := p.EvalFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, expr, out)
	}
	return nil
}

func (p *ScriptedPage) Drag(ctx context.Context, path DragPath) error {
	p.mu.Lock()
	p.Dragged = append(p.Dragged, path)
	fn := p.DragFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, path)
	}
	return nil
}

func (p *ScriptedPage) ElementBox(ctx context.Context, selector string) (Box, error) {
	p.mu.Lock()
	fn := p.ElementBoxFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, selector)
	}
	return Box{}, nil
}

func (p *ScriptedPage) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	fn := p.CurrentURLFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return "", nil
}

func (p *ScriptedPage) Cookies(ctx context.Context) (map[string]string, error) {
	p.mu.Lock()
	fn := p.CookiesFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return map[string]string{}, nil
}

func (p *ScriptedPage) LocalStorage(ctx context.Context) (map[string]string, error) {
	p.mu.Lock()
	fn := p.LocalStorageFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return map[string]string{}, nil
}

func (p *ScriptedPage) Close() error {
	p.mu.Lock()
	p.CloseCalls++
	p.mu.Unlock()
	return nil
}

// ScriptedLauncher hands out a scripted page, or a fresh one per launch
// when none is set.
type ScriptedLauncher struct {
	mu       sync.Mutex
	Page     *ScriptedPage
	Err      error
	Launches int
}

func (l *ScriptedLauncher) Launch(ctx context.Context) (Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Launches++
	if l.Err != nil {
		return nil, l.Err
	}
	if l.Page != nil {
		return l.Page, nil
	}
	return &ScriptedPage{}, nil
}
