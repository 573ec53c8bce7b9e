package browser

import (
	"context"
	"fmt"
	"unicode"

	"github.com/chromedp/cdproto/input"
)

// keyDefinition carries the fields CDP wants for a named key, US layout.
type keyDefinition struct {
	code    string
	keyCode int64
	text    string
}

// namedKeys covers the non-printable keys the control protocol's press
// action accepts. Printable characters are synthesized from the rune.
var namedKeys = map[string]keyDefinition{
	"Enter":      {code: "Enter", keyCode: 13, text: "\r"},
	"Tab":        {code: "Tab", keyCode: 9},
	"Backspace":  {code: "Backspace", keyCode: 8},
	"Delete":     {code: "Delete", keyCode: 46},
	"Escape":     {code: "Escape", keyCode: 27},
	"ArrowUp":    {code: "ArrowUp", keyCode: 38},
	"ArrowDown":  {code: "ArrowDown", keyCode: 40},
	"ArrowLeft":  {code: "ArrowLeft", keyCode: 37},
	"ArrowRight": {code: "ArrowRight", keyCode: 39},
	"Home":       {code: "Home", keyCode: 36},
	"End":        {code: "End", keyCode: 35},
	"PageUp":     {code: "PageUp", keyCode: 33},
	"PageDown":   {code: "PageDown", keyCode: 34},
	"Shift":      {code: "ShiftLeft", keyCode: 16},
	"Control":    {code: "ControlLeft", keyCode: 17},
	"Alt":        {code: "AltLeft", keyCode: 18},
	"Meta":       {code: "MetaLeft", keyCode: 91},
	"Space":      {code: "Space", keyCode: 32, text: " "},
}

func definitionFor(key string) keyDefinition {
	if def, ok := namedKeys[key]; ok {
		return def
	}
	def := keyDefinition{text: key}
	if len(key) == 1 {
		r := rune(key[0])
		def.keyCode = int64(unicode.ToUpper(r))
		switch {
		case unicode.IsLetter(r):
			def.code = "Key" + string(unicode.ToUpper(r))
		case unicode.IsDigit(r):
			def.code = "Digit" + string(r)
		}
	}
	return def
}

// Press sends a key down followed by a key up for the named key.
func (b *Browser) Press(ctx context.Context, key string) error {
	def := definitionFor(key)

	down := KeyEvent{
		Type: "down", Key: key, Code: def.code,
		Text: def.text, KeyCode: def.keyCode,
	}
	if err := b.DispatchKeyEvent(ctx, down); err != nil {
		return fmt.Errorf("pressing %q: %w", key, err)
	}

	up := KeyEvent{Type: "up", Key: key, Code: def.code, KeyCode: def.keyCode}
	if err := b.DispatchKeyEvent(ctx, up); err != nil {
		return fmt.Errorf("releasing %q: %w", key, err)
	}
	return nil
}

// Type inserts text into the focused element without synthesizing
// per-character key events.
func (b *Browser) Type(ctx context.Context, text string) error {
	pctx, err := b.pageContext(ctx)
	if err != nil {
		return err
	}
	if err := input.InsertText(text).Do(pctx); err != nil {
		return fmt.Errorf("inserting text: %w", err)
	}
	return nil
}
