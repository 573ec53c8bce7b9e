package daemon

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oqto/browserd/browser"
	"github.com/oqto/browserd/log"
)

type streamHarness struct {
	fb     *fakeBrowser
	handle *ResourceHandle
	server *StreamServer
	ts     *httptest.Server
}

func newStreamHarness(t *testing.T) *streamHarness {
	t.Helper()

	fb := newFakeBrowser()
	handle := NewResourceHandle(fb)
	server := NewStreamServer(handle, handle, log.NewNullLogger())
	ts := httptest.NewServer(server)

	t.Cleanup(func() {
		ts.Close()
		_ = server.Stop()
		handle.Stop()
	})
	return &streamHarness{fb: fb, handle: handle, server: server, ts: ts}
}

func (h *streamHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http")
}

func (h *streamHarness) launch(t *testing.T) {
	t.Helper()
	require.NoError(t, h.fb.Launch(context.Background(), browser.NewLaunchOptions()))
}

func (h *streamHarness) connect(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readMessage(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %q message received", msgType)
	return nil
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamOriginPolicy(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{name: "no origin", origin: "", allowed: true},
		{name: "file origin", origin: "file://", allowed: true},
		{name: "localhost with port", origin: "http://localhost:1234", allowed: true},
		{name: "loopback v4", origin: "http://127.0.0.1:9000", allowed: true},
		{name: "loopback v6", origin: "http://[::1]:9000", allowed: true},
		{name: "remote host", origin: "https://evil.example", allowed: false},
		{name: "lookalike host", origin: "https://localhost.evil.example", allowed: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newStreamHarness(t)
			h.launch(t)

			header := http.Header{}
			if tc.origin != "" {
				header.Set("Origin", tc.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
			if resp != nil {
				_ = resp.Body.Close()
			}
			if !tc.allowed {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			_ = conn.Close()
		})
	}
}

func TestStreamScreencastFollowsViewerCount(t *testing.T) {
	t.Parallel()

	h := newStreamHarness(t)
	h.launch(t)

	v1 := h.connect(t, nil)
	status := readUntil(t, v1, "status")
	assert.Equal(t, true, status["connected"])

	waitFor(t, h.fb.IsScreencasting, "screencast activation")
	_, _, castStarts, _ := h.fb.stats()
	assert.Equal(t, 1, castStarts)

	// A second viewer must not re-activate.
	v2 := h.connect(t, nil)
	readUntil(t, v2, "status")
	_, _, castStarts, _ = h.fb.stats()
	assert.Equal(t, 1, castStarts)

	// Dropping one of two keeps the subscription active.
	require.NoError(t, v2.Close())
	time.Sleep(100 * time.Millisecond)
	assert.True(t, h.fb.IsScreencasting())
	_, _, _, castStops := h.fb.stats()
	assert.Zero(t, castStops)

	// Dropping the last one deactivates exactly once.
	require.NoError(t, v1.Close())
	waitFor(t, func() bool { return !h.fb.IsScreencasting() }, "screencast deactivation")
	_, _, _, castStops = h.fb.stats()
	assert.Equal(t, 1, castStops)
}

func TestStreamActivationFailsWithoutLaunchedBrowser(t *testing.T) {
	t.Parallel()

	h := newStreamHarness(t)

	v := h.connect(t, nil)
	errMsg := readUntil(t, v, "error")
	assert.Contains(t, errMsg["error"], "not launched")
	assert.False(t, h.fb.IsScreencasting())

	// The viewer stays connected and can still query status.
	require.NoError(t, v.WriteJSON(map[string]string{"type": "status"}))
	status := readUntil(t, v, "status")
	assert.Equal(t, false, status["screencasting"])
}

func TestStreamFrameFanout(t *testing.T) {
	t.Parallel()

	h := newStreamHarness(t)
	h.launch(t)

	v1 := h.connect(t, nil)
	v2 := h.connect(t, nil)
	readUntil(t, v1, "status")
	readUntil(t, v2, "status")
	waitFor(t, h.fb.IsScreencasting, "screencast activation")

	h.fb.emitFrame(browser.Frame{
		Data:     []byte("jpegbytes"),
		Metadata: browser.FrameMetadata{DeviceWidth: 1280, DeviceHeight: 720, PageScaleFactor: 1},
	})

	for _, v := range []*websocket.Conn{v1, v2} {
		frame := readUntil(t, v, "frame")
		data, err := base64.StdEncoding.DecodeString(frame["data"].(string))
		require.NoError(t, err)
		assert.Equal(t, []byte("jpegbytes"), data)
		md := frame["metadata"].(map[string]interface{})
		assert.Equal(t, float64(1280), md["deviceWidth"])
	}
}

func TestStreamMouseInputIsRelayedOnce(t *testing.T) {
	t.Parallel()

	h := newStreamHarness(t)
	h.launch(t)

	v := h.connect(t, nil)
	readUntil(t, v, "status")

	require.NoError(t, v.WriteJSON(map[string]interface{}{
		"type":       "input_mouse",
		"event":      "pressed",
		"x":          10.5,
		"y":          20.0,
		"button":     "left",
		"clickCount": 1,
	}))

	waitFor(t, func() bool {
		h.fb.mu.Lock()
		defer h.fb.mu.Unlock()
		return len(h.fb.mouse) == 1
	}, "mouse injection")

	h.fb.mu.Lock()
	ev := h.fb.mouse[0]
	h.fb.mu.Unlock()
	assert.Equal(t, "pressed", ev.Type)
	assert.Equal(t, 10.5, ev.X)
	assert.Equal(t, 20.0, ev.Y)
	assert.Equal(t, "left", ev.Button)
	assert.Equal(t, int64(1), ev.ClickCount)
}

func TestStreamKeyboardAndTouchRelay(t *testing.T) {
	t.Parallel()

	h := newStreamHarness(t)
	h.launch(t)

	v := h.connect(t, nil)
	readUntil(t, v, "status")

	require.NoError(t, v.WriteJSON(map[string]interface{}{
		"type": "input_keyboard", "event": "down",
		"key": "a", "code": "KeyA", "text": "a", "keyCode": 65,
	}))
	require.NoError(t, v.WriteJSON(map[string]interface{}{
		"type": "input_touch", "event": "start",
		"points": []map[string]float64{{"x": 5, "y": 6, "id": 0}},
	}))

	waitFor(t, func() bool {
		h.fb.mu.Lock()
		defer h.fb.mu.Unlock()
		return len(h.fb.keys) == 1 && len(h.fb.touches) == 1
	}, "input relay")

	h.fb.mu.Lock()
	key := h.fb.keys[0]
	touch := h.fb.touches[0]
	h.fb.mu.Unlock()
	assert.Equal(t, "down", key.Type)
	assert.Equal(t, "KeyA", key.Code)
	assert.Equal(t, int64(65), key.KeyCode)
	require.Len(t, touch.Points, 1)
	assert.Equal(t, 5.0, touch.Points[0].X)
}

func TestStreamUnknownMessageTypeGetsErrorReply(t *testing.T) {
	t.Parallel()

	h := newStreamHarness(t)
	h.launch(t)

	v := h.connect(t, nil)
	readUntil(t, v, "status")

	require.NoError(t, v.WriteJSON(map[string]string{"type": "teleport"}))
	errMsg := readUntil(t, v, "error")
	assert.Contains(t, errMsg["error"], "unknown message type")
}
