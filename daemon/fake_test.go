package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/mailru/easyjson"

	"github.com/oqto/browserd/browser"
)

// fakeBrowser records every operation so tests can assert on launch
// counts, injected input and screencast transitions.
type fakeBrowser struct {
	mu sync.Mutex

	launched bool
	casting  bool
	viewport browser.Size
	handler  browser.FrameHandler

	launches    int
	closes      int
	castStarts  int
	castStops   int
	navigations []string
	mouse       []browser.MouseEvent
	keys        []browser.KeyEvent
	touches     []browser.TouchEvent

	failLaunch bool
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		viewport: browser.Size{
			Width:  browser.DefaultViewportWidth,
			Height: browser.DefaultViewportHeight,
		},
	}
}

func (f *fakeBrowser) IsLaunched() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launched
}

func (f *fakeBrowser) IsScreencasting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.casting
}

func (f *fakeBrowser) ViewportSize() browser.Size {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewport
}

func (f *fakeBrowser) Launch(_ context.Context, opts browser.LaunchOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.failLaunch {
		return errors.New("browser exploded on startup")
	}
	if f.launched {
		return errors.New("browser is already launched")
	}
	f.launched = true
	f.viewport = opts.Viewport
	return nil
}

func (f *fakeBrowser) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.launched = false
	f.casting = false
	return nil
}

func (f *fakeBrowser) StartScreencast(_ context.Context, handler browser.FrameHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.castStarts++
	if !f.launched {
		return errors.New("browser is not launched")
	}
	if f.casting {
		return errors.New("screencast is already active")
	}
	f.casting = true
	f.handler = handler
	return nil
}

func (f *fakeBrowser) StopScreencast(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.castStops++
	f.casting = false
	f.handler = nil
	return nil
}

func (f *fakeBrowser) emitFrame(frame browser.Frame) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(frame)
	}
}

func (f *fakeBrowser) DispatchMouseEvent(_ context.Context, ev browser.MouseEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mouse = append(f.mouse, ev)
	return nil
}

func (f *fakeBrowser) DispatchKeyEvent(_ context.Context, ev browser.KeyEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, ev)
	return nil
}

func (f *fakeBrowser) DispatchTouchEvent(_ context.Context, ev browser.TouchEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, ev)
	return nil
}

func (f *fakeBrowser) Navigate(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if url == "https://fails.invalid/" {
		return "", errors.New("navigation refused")
	}
	f.navigations = append(f.navigations, url)
	return "doc-1", nil
}

func (f *fakeBrowser) NavigateBack(context.Context) error    { return nil }
func (f *fakeBrowser) NavigateForward(context.Context) error { return nil }
func (f *fakeBrowser) Reload(context.Context) error          { return nil }

func (f *fakeBrowser) Screenshot(context.Context, string, int64) ([]byte, error) {
	return []byte{0xFF, 0xD8, 0xFF}, nil
}

func (f *fakeBrowser) Evaluate(context.Context, string) (easyjson.RawMessage, error) {
	return easyjson.RawMessage(`42`), nil
}

func (f *fakeBrowser) SetViewport(_ context.Context, size browser.Size) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewport = size
	return nil
}

func (f *fakeBrowser) EmulateMedia(context.Context, string) error { return nil }
func (f *fakeBrowser) Click(context.Context, float64, float64) error {
	return nil
}
func (f *fakeBrowser) Press(context.Context, string) error { return nil }
func (f *fakeBrowser) Type(context.Context, string) error  { return nil }

func (f *fakeBrowser) stats() (launches, closes, castStarts, castStops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches, f.closes, f.castStarts, f.castStops
}

var _ BrowserResource = &fakeBrowser{}
