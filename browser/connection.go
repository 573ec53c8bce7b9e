package browser

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
)

// connection is the raw WebSocket transport carrying CDP messages.
type connection struct {
	ws *websocket.Conn
}

func dial(ctx context.Context, wsURL string) (*connection, error) {
	wd := websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   1 << 20,
		WriteBufferSize:  1 << 20,
	}
	ws, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("connecting to CDP at %q: %w", wsURL, err)
	}
	return &connection{ws: ws}, nil
}

func (c *connection) recv() (*cdproto.Message, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading CDP message: %w", err)
	}
	var msg cdproto.Message
	if err := easyjson.Unmarshal(buf, &msg); err != nil {
		return nil, fmt.Errorf("decoding CDP message: %w", err)
	}
	return &msg, nil
}

func (c *connection) send(msg *cdproto.Message) error {
	var encoder jwriter.Writer
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return fmt.Errorf("encoding CDP message: %w", err)
	}
	buf, err := encoder.BuildBytes()
	if err != nil {
		return fmt.Errorf("encoding CDP message: %w", err)
	}

	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("writing CDP message: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing CDP message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing CDP message: %w", err)
	}
	return nil
}

func (c *connection) close() error {
	return c.ws.Close()
}
