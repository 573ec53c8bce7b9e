package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/input"
)

// MouseEvent is one mouse injection request.
type MouseEvent struct {
	Type       string  // pressed, released, moved, wheel
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Button     string  `json:"button"`
	ClickCount int64   `json:"clickCount"`
	DeltaX     float64 `json:"deltaX"`
	DeltaY     float64 `json:"deltaY"`
	Modifiers  int64   `json:"modifiers"`
}

// KeyEvent is one keyboard injection request.
type KeyEvent struct {
	Type      string // down, up, char
	Key       string `json:"key"`
	Code      string `json:"code"`
	Text      string `json:"text"`
	KeyCode   int64  `json:"keyCode"`
	Modifiers int64  `json:"modifiers"`
}

// TouchPoint is one active touch contact.
type TouchPoint struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	ID float64 `json:"id"`
}

// TouchEvent is one touch injection request.
type TouchEvent struct {
	Type      string // start, end, move, cancel
	Points    []TouchPoint
	Modifiers int64
}

// DispatchMouseEvent injects a mouse event into the page.
func (b *Browser) DispatchMouseEvent(ctx context.Context, ev MouseEvent) error {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return err
	}

	var typ input.MouseType
	switch ev.Type {
	case "pressed":
		typ = input.MousePressed
	case "released":
		typ = input.MouseReleased
	case "moved":
		typ = input.MouseMoved
	case "wheel":
		typ = input.MouseWheel
	default:
		return fmt.Errorf("unknown mouse event type %q", ev.Type)
	}

	action := input.DispatchMouseEvent(typ, ev.X, ev.Y).
		WithModifiers(input.Modifier(ev.Modifiers))
	if ev.Button != "" {
		action = action.WithButton(input.MouseButton(ev.Button))
	}
	if ev.ClickCount > 0 {
		action = action.WithClickCount(ev.ClickCount)
	}
	if typ == input.MouseWheel {
		action = action.WithDeltaX(ev.DeltaX).WithDeltaY(ev.DeltaY)
	}

	if err := action.Do(pctx); err != nil {
		return fmt.Errorf("dispatching mouse %s: %w", ev.Type, err)
	}
	return nil
}

// DispatchKeyEvent injects a keyboard event into the page.
func (b *Browser) DispatchKeyEvent(ctx context.Context, ev KeyEvent) error {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return err
	}

	var typ input.KeyType
	switch ev.Type {
	case "down":
		if ev.Text == "" {
			typ = input.KeyRawDown
		} else {
			typ = input.KeyDown
		}
	case "up":
		typ = input.KeyUp
	case "char":
		typ = input.KeyChar
	default:
		return fmt.Errorf("unknown key event type %q", ev.Type)
	}

	action := input.DispatchKeyEvent(typ).
		WithModifiers(input.Modifier(ev.Modifiers)).
		WithKey(ev.Key).
		WithCode(ev.Code).
		WithWindowsVirtualKeyCode(ev.KeyCode)
	if typ == input.KeyDown || typ == input.KeyChar {
		action = action.WithText(ev.Text).WithUnmodifiedText(ev.Text)
	}

	if err := action.Do(pctx); err != nil {
		return fmt.Errorf("dispatching key %s: %w", ev.Type, err)
	}
	return nil
}

// DispatchTouchEvent injects a touch event into the page.
func (b *Browser) DispatchTouchEvent(ctx context.Context, ev TouchEvent) error {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return err
	}

	var typ input.TouchType
	switch ev.Type {
	case "start":
		typ = input.TouchStart
	case "end":
		typ = input.TouchEnd
	case "move":
		typ = input.TouchMove
	case "cancel":
		typ = input.TouchCancel
	default:
		return fmt.Errorf("unknown touch event type %q", ev.Type)
	}

	points := make([]*input.TouchPoint, 0, len(ev.Points))
	for _, p := range ev.Points {
		points = append(points, &input.TouchPoint{X: p.X, Y: p.Y, ID: p.ID})
	}

	action := input.DispatchTouchEvent(typ, points).
		WithModifiers(input.Modifier(ev.Modifiers))
	if err := action.Do(pctx); err != nil {
		return fmt.Errorf("dispatching touch %s: %w", ev.Type, err)
	}
	return nil
}

// Click moves the mouse to (x, y) and performs a full left-button click.
func (b *Browser) Click(ctx context.Context, x, y float64) error {
	steps := []MouseEvent{
		{Type: "moved", X: x, Y: y},
		{Type: "pressed", X: x, Y: y, Button: "left", ClickCount: 1},
		{Type: "released", X: x, Y: y, Button: "left", ClickCount: 1},
	}
	for _, ev := range steps {
		if err := b.DispatchMouseEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
