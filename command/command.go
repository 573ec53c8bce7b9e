// Package command executes parsed automation commands against the browser.
package command

import (
	"context"
	"fmt"

	"github.com/mailru/easyjson"

	"github.com/oqto/browserd/browser"
	"github.com/oqto/browserd/log"
	"github.com/oqto/browserd/protocol"
)

// Driver is the slice of browser capability the command layer needs.
// *browser.Browser implements it.
type Driver interface {
	IsLaunched() bool
	IsScreencasting() bool
	ViewportSize() browser.Size

	Navigate(ctx context.Context, url string) (string, error)
	NavigateBack(ctx context.Context) error
	NavigateForward(ctx context.Context) error
	Reload(ctx context.Context) error
	Screenshot(ctx context.Context, format string, quality int64) ([]byte, error)
	Evaluate(ctx context.Context, expression string) (easyjson.RawMessage, error)
	SetViewport(ctx context.Context, size browser.Size) error
	EmulateMedia(ctx context.Context, colorScheme string) error
	Click(ctx context.Context, x, y float64) error
	Press(ctx context.Context, key string) error
	Type(ctx context.Context, text string) error
}

var _ Driver = &browser.Browser{}

type handler func(ctx context.Context, cmd *protocol.Command, drv Driver) (map[string]interface{}, error)

// Executor dispatches commands to their handlers by action name.
type Executor struct {
	logger   *log.Logger
	handlers map[string]handler
}

// NewExecutor returns an Executor with the full action table registered.
func NewExecutor(logger *log.Logger) *Executor {
	e := &Executor{logger: logger}
	e.handlers = map[string]handler{
		"open":         e.open,
		"goto":         e.open,
		"back":         e.back,
		"forward":      e.forward,
		"reload":       e.reload,
		"screenshot":   e.screenshot,
		"evaluate":     e.evaluate,
		"click":        e.click,
		"type":         e.typeText,
		"press":        e.press,
		"set_viewport": e.setViewport,
		"emulatemedia": e.emulateMedia,
		"status":       e.status,
	}
	return e
}

// Execute runs one command against the driver and returns the complete
// response line (without the trailing newline). A returned error means the
// command failed; the caller turns it into an error response with the
// command's id.
func (e *Executor) Execute(ctx context.Context, cmd *protocol.Command, drv Driver) ([]byte, error) {
	h, ok := e.handlers[cmd.Action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", cmd.Action)
	}

	e.logger.Debugf("command", "executing %q (id=%s)", cmd.Action, cmd.ID)
	fields, err := h(ctx, cmd, drv)
	if err != nil {
		return nil, err
	}
	return protocol.OKResponse(cmd.ID, fields), nil
}

func (e *Executor) open(ctx context.Context, cmd *protocol.Command, drv Driver) (map[string]interface{}, error) {
	url := cmd.String("url", "")
	if url == "" {
		return nil, fmt.Errorf("open: missing url")
	}
	docID, err := drv.Navigate(ctx, url)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"documentId": docID}, nil
}

func (e *Executor) back(ctx context.Context, _ *protocol.Command, drv Driver) (map[string]interface{}, error) {
	return nil, drv.NavigateBack(ctx)
}

func (e *Executor) forward(ctx context.Context, _ *protocol.Command, drv Driver) (map[string]interface{}, error) {
	return nil, drv.NavigateForward(ctx)
}

func (e *Executor) reload(ctx context.Context, _ *protocol.Command, drv Driver) (map[string]interface{}, error) {
	return nil, drv.Reload(ctx)
}

func (e *Executor) screenshot(ctx context.Context, cmd *protocol.Command, drv Driver) (map[string]interface{}, error) {
	format := cmd.String("format", "png")
	quality := cmd.Int("quality", 80)
	data, err := drv.Screenshot(ctx, format, quality)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"format": format, "data": data}, nil
}

func (e *Executor) evaluate(ctx context.Context, cmd *protocol.Command, drv Driver) (map[string]interface{}, error) {
	expr := cmd.String("expression", "")
	if expr == "" {
		expr = cmd.String("expr", "")
	}
	if expr == "" {
		return nil, fmt.Errorf("evaluate: missing expression")
	}
	value, err := drv.Evaluate(ctx, expr)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"value": value}, nil
}

func (e *Executor) click(ctx context.Context, cmd *protocol.Command, drv Driver) (map[string]interface{}, error) {
	if !cmd.Has("x") || !cmd.Has("y") {
		return nil, fmt.Errorf("click: missing coordinates")
	}
	return nil, drv.Click(ctx, cmd.Float("x", 0), cmd.Float("y", 0))
}

func (e *Executor) typeText(ctx context.Context, cmd *protocol.Command, drv Driver) (map[string]interface{}, error) {
	text := cmd.String("text", "")
	if text == "" {
		return nil, fmt.Errorf("type: missing text")
	}
	return nil, drv.Type(ctx, text)
}

func (e *Executor) press(ctx context.Context, cmd *protocol.Command, drv Driver) (map[string]interface{}, error) {
	key := cmd.String("key", "")
	if key == "" {
		return nil, fmt.Errorf("press: missing key")
	}
	return nil, drv.Press(ctx, key)
}

func (e *Executor) setViewport(ctx context.Context, cmd *protocol.Command, drv Driver) (map[string]interface{}, error) {
	size := browser.Size{
		Width:  cmd.Int("width", 0),
		Height: cmd.Int("height", 0),
	}
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("set_viewport: width and height must be positive")
	}
	return nil, drv.SetViewport(ctx, size)
}

func (e *Executor) emulateMedia(ctx context.Context, cmd *protocol.Command, drv Driver) (map[string]interface{}, error) {
	scheme := cmd.String("colorScheme", "")
	if scheme == "" {
		scheme = cmd.String("scheme", "")
	}
	if scheme != "light" && scheme != "dark" {
		return nil, fmt.Errorf("emulatemedia: scheme must be light or dark")
	}
	return nil, drv.EmulateMedia(ctx, scheme)
}

func (e *Executor) status(_ context.Context, _ *protocol.Command, drv Driver) (map[string]interface{}, error) {
	vp := drv.ViewportSize()
	return map[string]interface{}{
		"launched":      drv.IsLaunched(),
		"screencasting": drv.IsScreencasting(),
		"width":         vp.Width,
		"height":        vp.Height,
	}, nil
}
