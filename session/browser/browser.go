// Package browser wraps headless-browser automation behind a narrow Page
// interface so the session acquirer can be unit-tested against a scripted
// fake. The real implementation drives Chrome through chromedp; every
// acquisition gets a fresh browser context to keep failure blast radius
// bounded.
package browser

import (
	"context"
	"time"
)

// Point is a viewport coordinate.
type Point struct {
	X float64
	Y float64
}

// Box is an element's bounding rectangle in viewport coordinates.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Center returns the midpoint of the box.
func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// DragStep is one intermediate movement of a press-move-release drag.
type DragStep struct {
	To    Point
	Pause time.Duration
}

// DragPath describes a full drag gesture: press at Start, move through
// Steps pausing between events, release at the final step's position.
type DragPath struct {
	Start Point
	Steps []DragStep
}

// End returns the release position of the path.
func (p DragPath) End() Point {
	if len(p.Steps) == 0 {
		return p.Start
	}
	return p.Steps[len(p.Steps)-1].To
}

// Page is the surface the session acquirer drives. Implementations must be
// safe for sequential use from a single goroutine; the acquirer never
// shares a page across goroutines.
type Page interface {
	// Navigate loads the URL and waits for the page load event.
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until the selector matches a visible element.
	WaitVisible(ctx context.Context, selector string) error
	// Exists reports whether the selector matches any element.
	Exists(ctx context.Context, selector string) (bool, error)
	// Fill clears the matched input and types the value key by key.
	Fill(ctx context.Context, selector, value string) error
	// Click clicks the matched element.
	Click(ctx context.Context, selector string) error
	// SetValue assigns the element's value property directly and fires an
	// input event, used to splice solver tokens into hidden fields.
	SetValue(ctx context.Context, selector, value string) error
	// Eval runs a JavaScript expression and unmarshals the result.
	Eval(ctx context.Context, expr string, out any) error
	// Drag performs a press-move-release gesture along the path.
	Drag(ctx context.Context, path DragPath) error
	// ElementBox returns the bounding box of the matched element.
	ElementBox(ctx context.Context, selector string) (Box, error)
	// CurrentURL returns the page's location.
	CurrentURL(ctx context.Context) (string, error)
	// Cookies returns the browser context's cookies as name to value.
	Cookies(ctx context.Context) (map[string]string, error)
	// LocalStorage returns the page's localStorage entries.
	LocalStorage(ctx context.Context) (map[string]string, error)
	// Close tears down the page and its browser context.
	Close() error
}

// Launcher creates fresh pages. The chromedp implementation spawns a new
// browser context per call; the scripted fake replays canned behavior.
type Launcher interface {
	Launch(ctx context.Context) (Page, error)
}

// Config configures the Chrome launcher.
type Config struct {
	Headless       bool          `yaml:"headless" json:"headless"`
	ViewportWidth  int           `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height" json:"viewport_height"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
	ProxyURL       string        `yaml:"proxy_url" json:"proxy_url"`
	// ExecPath points at the Chrome binary; empty auto-detects.
	ExecPath string `yaml:"exec_path" json:"exec_path"`
	// Timeout bounds the whole lifetime of one launched page.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the settings used in production: headless Chrome
// with a desktop viewport.
func DefaultConfig() Config {
	return Config{
		Headless:       true,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		Timeout:        3 * time.Minute,
	}
}
