package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/oqto/browserd/browser"
)

// Stream message types. frame/status/error flow server→viewer, status is
// also a viewer query, and the input_* types flow viewer→server.
const (
	StreamTypeFrame         = "frame"
	StreamTypeStatus        = "status"
	StreamTypeError         = "error"
	StreamTypeInputMouse    = "input_mouse"
	StreamTypeInputKeyboard = "input_keyboard"
	StreamTypeInputTouch    = "input_touch"
)

// FrameMessage carries one screencast frame to viewers. Data marshals as
// base64 per encoding/json's []byte handling.
type FrameMessage struct {
	Type     string                `json:"type"`
	Data     []byte                `json:"data"`
	Metadata browser.FrameMetadata `json:"metadata"`
}

// NewFrameMessage wraps a captured frame for the wire.
func NewFrameMessage(f browser.Frame) FrameMessage {
	return FrameMessage{Type: StreamTypeFrame, Data: f.Data, Metadata: f.Metadata}
}

// StatusMessage reports connection and screencast state to viewers.
type StatusMessage struct {
	Type          string `json:"type"`
	Connected     bool   `json:"connected"`
	Screencasting bool   `json:"screencasting"`
	Width         int64  `json:"width,omitempty"`
	Height        int64  `json:"height,omitempty"`
}

// NewStatusMessage builds a status report.
func NewStatusMessage(screencasting bool, viewport browser.Size) StatusMessage {
	return StatusMessage{
		Type:          StreamTypeStatus,
		Connected:     true,
		Screencasting: screencasting,
		Width:         viewport.Width,
		Height:        viewport.Height,
	}
}

// ErrorMessage reports a per-message failure to the viewer that caused it.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewErrorMessage builds an error report.
func NewErrorMessage(msg string) ErrorMessage {
	return ErrorMessage{Type: StreamTypeError, Error: msg}
}

// ViewerMessage is the envelope for everything a viewer sends: status
// queries and input injection requests.
type ViewerMessage struct {
	Type  string `json:"type"`
	Event string `json:"event"`

	// Mouse and touch position.
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// Mouse.
	Button     string  `json:"button"`
	ClickCount int64   `json:"clickCount"`
	DeltaX     float64 `json:"deltaX"`
	DeltaY     float64 `json:"deltaY"`

	// Keyboard.
	Key     string `json:"key"`
	Code    string `json:"code"`
	Text    string `json:"text"`
	KeyCode int64  `json:"keyCode"`

	// Touch.
	Points []TouchPoint `json:"points"`

	Modifiers int64 `json:"modifiers"`
}

// TouchPoint is one touch contact on the wire.
type TouchPoint struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	ID float64 `json:"id"`
}

// ParseViewerMessage decodes one inbound viewer message.
func ParseViewerMessage(data []byte) (*ViewerMessage, error) {
	var msg ViewerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed viewer message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("viewer message missing type")
	}
	return &msg, nil
}

// MouseEvent translates the message into a browser mouse injection.
func (m *ViewerMessage) MouseEvent() browser.MouseEvent {
	return browser.MouseEvent{
		Type:       m.Event,
		X:          m.X,
		Y:          m.Y,
		Button:     m.Button,
		ClickCount: m.ClickCount,
		DeltaX:     m.DeltaX,
		DeltaY:     m.DeltaY,
		Modifiers:  m.Modifiers,
	}
}

// KeyEvent translates the message into a browser keyboard injection.
func (m *ViewerMessage) KeyEvent() browser.KeyEvent {
	return browser.KeyEvent{
		Type:      m.Event,
		Key:       m.Key,
		Code:      m.Code,
		Text:      m.Text,
		KeyCode:   m.KeyCode,
		Modifiers: m.Modifiers,
	}
}

// TouchEvent translates the message into a browser touch injection.
func (m *ViewerMessage) TouchEvent() browser.TouchEvent {
	points := make([]browser.TouchPoint, 0, len(m.Points))
	for _, p := range m.Points {
		points = append(points, browser.TouchPoint{X: p.X, Y: p.Y, ID: p.ID})
	}
	return browser.TouchEvent{Type: m.Event, Points: points, Modifiers: m.Modifiers}
}
