package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oqto/browserd/browser"
	"github.com/oqto/browserd/command"
	"github.com/oqto/browserd/log"
)

type controlHarness struct {
	fb       *fakeBrowser
	server   *ControlServer
	handle   *ResourceHandle
	socket   string
	shutdown chan struct{}
}

func newControlHarness(t *testing.T) *controlHarness {
	t.Helper()

	logger := log.NewNullLogger()
	fb := newFakeBrowser()
	handle := NewResourceHandle(fb)
	server := NewControlServer(handle, command.NewExecutor(logger), browser.NewLaunchOptions(), logger)

	h := &controlHarness{
		fb:       fb,
		server:   server,
		handle:   handle,
		socket:   filepath.Join(t.TempDir(), "ctl.sock"),
		shutdown: make(chan struct{}),
	}
	server.OnClose(func() { close(h.shutdown) })

	require.NoError(t, server.Start(h.socket))
	t.Cleanup(func() {
		_ = server.Stop()
		handle.Stop()
	})
	return h
}

type controlClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func (h *controlHarness) dial(t *testing.T) *controlClient {
	t.Helper()
	conn, err := net.Dial("unix", h.socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &controlClient{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (c *controlClient) sendLine(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *controlClient) readResponse() map[string]interface{} {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.rd.ReadBytes('\n')
	require.NoError(c.t, err)
	var resp map[string]interface{}
	require.NoError(c.t, json.Unmarshal(line, &resp))
	return resp
}

func (c *controlClient) expectNoResponse(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	_, err := c.rd.ReadByte()
	nerr, ok := err.(net.Error)
	require.True(c.t, ok && nerr.Timeout(), "expected read timeout, got %v", err)
}

func TestControlValidCommandGetsOneMatchingResponse(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t)
	c := h.dial(t)

	c.sendLine(`{"id":"1","action":"screenshot"}`)
	resp := c.readResponse()

	assert.Equal(t, "1", resp["id"])
	assert.Equal(t, true, resp["ok"])
	assert.NotEmpty(t, resp["data"])
	c.expectNoResponse(200 * time.Millisecond)
}

func TestControlAutoLaunchHappensExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t)
	c := h.dial(t)

	require.False(t, h.fb.IsLaunched())

	c.sendLine(`{"id":"1","action":"screenshot"}`)
	c.readResponse()
	c.sendLine(`{"id":"2","action":"status"}`)
	c.readResponse()

	launches, _, _, _ := h.fb.stats()
	assert.Equal(t, 1, launches)
	assert.True(t, h.fb.IsLaunched())
}

func TestControlAutoLaunchFailureIsTheCommandsError(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t)
	h.fb.failLaunch = true
	c := h.dial(t)

	c.sendLine(`{"id":"9","action":"screenshot"}`)
	resp := c.readResponse()

	assert.Equal(t, "9", resp["id"])
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "auto-launch failed")

	// The connection survives and later commands still get answers.
	c.sendLine(`{"id":"10","action":"screenshot"}`)
	resp = c.readResponse()
	assert.Equal(t, "10", resp["id"])
}

func TestControlMalformedLineAnswersWithRecoveredOrUnknownID(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t)
	c := h.dial(t)

	c.sendLine(`{"id":"7","action":`)
	resp := c.readResponse()
	assert.Equal(t, "7", resp["id"])
	assert.Equal(t, false, resp["ok"])

	c.sendLine(`this is not json`)
	resp = c.readResponse()
	assert.Equal(t, "unknown", resp["id"])
	assert.Equal(t, false, resp["ok"])

	// Still usable afterwards.
	c.sendLine(`{"id":"8","action":"status"}`)
	resp = c.readResponse()
	assert.Equal(t, "8", resp["id"])
	assert.Equal(t, true, resp["ok"])
}

func TestControlBlankLinesProduceNoResponse(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t)
	c := h.dial(t)

	c.sendLine("")
	c.sendLine("   \t ")
	c.expectNoResponse(300 * time.Millisecond)
}

func TestControlExecutionErrorKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t)
	c := h.dial(t)

	c.sendLine(`{"id":"1","action":"open","url":"https://fails.invalid/"}`)
	resp := c.readResponse()
	assert.Equal(t, "1", resp["id"])
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "navigation refused")

	c.sendLine(`{"id":"2","action":"open","url":"https://example.com/"}`)
	resp = c.readResponse()
	assert.Equal(t, "2", resp["id"])
	assert.Equal(t, true, resp["ok"])
}

func TestControlUnknownActionIsAnError(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t)
	c := h.dial(t)

	c.sendLine(`{"id":"3","action":"levitate"}`)
	resp := c.readResponse()
	assert.Equal(t, "3", resp["id"])
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "unknown action")
}

func TestControlCloseFirstDoesNotAutoLaunchAndTriggersShutdown(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t)
	c := h.dial(t)

	c.sendLine(`{"id":"1","action":"close"}`)
	resp := c.readResponse()
	assert.Equal(t, "1", resp["id"])
	assert.Equal(t, true, resp["ok"])

	select {
	case <-h.shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("close command did not trigger shutdown")
	}

	launches, _, _, _ := h.fb.stats()
	assert.Zero(t, launches)
}

func TestControlAcceptsMultipleConnections(t *testing.T) {
	t.Parallel()

	h := newControlHarness(t)
	c1 := h.dial(t)
	c2 := h.dial(t)

	c1.sendLine(`{"id":"a","action":"status"}`)
	c2.sendLine(`{"id":"b","action":"status"}`)

	assert.Equal(t, "a", c1.readResponse()["id"])
	assert.Equal(t, "b", c2.readResponse()["id"])
}
