package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oxtoacart/bpool"

	"github.com/oqto/browserd/browser"
	"github.com/oqto/browserd/log"
	"github.com/oqto/browserd/protocol"
)

// Screencaster is the subscription handle the stream server controls.
// *ResourceHandle implements it; nothing else touches screencast state.
type Screencaster interface {
	IsLaunched() bool
	ViewportSize() browser.Size
	StartScreencast(ctx context.Context, handler browser.FrameHandler) error
	StopScreencast(ctx context.Context) error
}

// InputSink receives viewer input injections.
type InputSink interface {
	Do(ctx context.Context, fn func(BrowserResource) error) error
}

// StreamServer serves live screencast frames to any number of viewers over
// WebSocket and relays their input back into the browser. It is the only
// network-exposed surface; the origin check below is its sole access
// control and keeps arbitrary web pages from driving the operator's
// browser.
type StreamServer struct {
	logger *log.Logger
	caster Screencaster
	sink   InputSink

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.Mutex
	listener net.Listener
	viewers  map[*viewer]struct{}
	closed   bool

	// castMu guards subscription transitions so concurrent viewer churn
	// observes the actual activation state, not a count delta.
	castMu  sync.Mutex
	casting bool

	// Frames are serialized once per broadcast; the pool recycles the
	// scratch buffers.
	pool *bpool.BufferPool
}

// viewer is one connected stream client.
type viewer struct {
	conn *websocket.Conn

	mu   sync.Mutex
	open bool
}

func (v *viewer) send(payload interface{}) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return nil
	}
	return v.conn.WriteJSON(payload)
}

func (v *viewer) sendPrepared(msg *websocket.PreparedMessage) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return nil
	}
	return v.conn.WritePreparedMessage(msg)
}

func (v *viewer) close() {
	v.mu.Lock()
	v.open = false
	v.mu.Unlock()
	_ = v.conn.Close()
}

// NewStreamServer returns a stream server bound to the given subscription
// handle and input sink.
func NewStreamServer(caster Screencaster, sink InputSink, logger *log.Logger) *StreamServer {
	s := &StreamServer{
		logger:  logger,
		caster:  caster,
		sink:    sink,
		viewers: make(map[*viewer]struct{}),
		pool:    bpool.NewBufferPool(4),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1 << 16,
		WriteBufferSize: 1 << 20,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin is the stream server's admission policy: no Origin header,
// file:// origins and loopback-host origins are allowed, everything else
// is refused before the upgrade completes.
func (s *StreamServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		s.logger.Warnf("stream", "rejecting unparseable origin %q", origin)
		return false
	}
	if u.Scheme == "file" {
		return true
	}
	host := strings.ToLower(u.Hostname())
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	s.logger.Warnf("stream", "rejecting origin %q", origin)
	return false
}

// Start listens on the loopback interface. port 0 lets the OS pick.
func (s *StreamServer) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("listening for stream viewers: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.httpSrv = &http.Server{Handler: s}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Debugf("stream", "server ended: %v", err)
		}
	}()

	s.logger.Infof("stream", "listening on %s", ln.Addr())
	return nil
}

// Port returns the bound TCP port.
func (s *StreamServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake refusal.
		s.logger.Debugf("stream", "upgrade failed: %v", err)
		return
	}

	v := &viewer{conn: conn, open: true}
	s.addViewer(v)
	s.readLoop(v)
}

// addViewer admits a viewer: it immediately receives a status message, and
// if it is the first viewer the screencast subscription is activated. The
// guard is the actual activation state, not the viewer count, so rapid
// connect/disconnect churn cannot double-start or double-stop.
func (s *StreamServer) addViewer(v *viewer) {
	s.mu.Lock()
	s.viewers[v] = struct{}{}
	s.mu.Unlock()

	if err := v.send(s.statusMessage()); err != nil {
		s.logger.Debugf("stream", "sending status to new viewer: %v", err)
	}

	s.castMu.Lock()
	if s.casting {
		s.castMu.Unlock()
		return
	}
	if err := s.caster.StartScreencast(context.Background(), s.broadcastFrame); err != nil {
		s.castMu.Unlock()
		// Activation failed (browser not launched): the viewer stays
		// connected, the subscription stays inactive.
		s.logger.Warnf("stream", "starting screencast: %v", err)
		if err := v.send(protocol.NewErrorMessage(err.Error())); err != nil {
			s.logger.Debugf("stream", "sending error to viewer: %v", err)
		}
		return
	}
	s.casting = true
	s.castMu.Unlock()
	s.broadcastStatus()
}

// removeViewer discards a viewer; the last one out deactivates the
// subscription.
func (s *StreamServer) removeViewer(v *viewer) {
	s.mu.Lock()
	delete(s.viewers, v)
	empty := len(s.viewers) == 0
	s.mu.Unlock()

	v.close()

	s.castMu.Lock()
	if !empty || !s.casting {
		s.castMu.Unlock()
		return
	}
	if err := s.caster.StopScreencast(context.Background()); err != nil {
		s.logger.Warnf("stream", "stopping screencast: %v", err)
	}
	s.casting = false
	s.castMu.Unlock()
	s.broadcastStatus()
}

func (s *StreamServer) readLoop(v *viewer) {
	defer s.removeViewer(v)

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleViewerMessage(v, data)
	}
}

// handleViewerMessage processes one inbound message. Failures answer the
// sender with an error message and never take the daemon down.
func (s *StreamServer) handleViewerMessage(v *viewer, data []byte) {
	msg, err := protocol.ParseViewerMessage(data)
	if err != nil {
		s.replyError(v, err)
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case protocol.StreamTypeStatus:
		if err := v.send(s.statusMessage()); err != nil {
			s.logger.Debugf("stream", "sending status: %v", err)
		}
	case protocol.StreamTypeInputMouse:
		ev := msg.MouseEvent()
		err = s.sink.Do(ctx, func(r BrowserResource) error {
			return r.DispatchMouseEvent(ctx, ev)
		})
		s.replyError(v, err)
	case protocol.StreamTypeInputKeyboard:
		ev := msg.KeyEvent()
		err = s.sink.Do(ctx, func(r BrowserResource) error {
			return r.DispatchKeyEvent(ctx, ev)
		})
		s.replyError(v, err)
	case protocol.StreamTypeInputTouch:
		ev := msg.TouchEvent()
		err = s.sink.Do(ctx, func(r BrowserResource) error {
			return r.DispatchTouchEvent(ctx, ev)
		})
		s.replyError(v, err)
	default:
		s.replyError(v, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (s *StreamServer) replyError(v *viewer, err error) {
	if err == nil {
		return
	}
	if serr := v.send(protocol.NewErrorMessage(err.Error())); serr != nil {
		s.logger.Debugf("stream", "sending error: %v", serr)
	}
}

func (s *StreamServer) statusMessage() protocol.StatusMessage {
	s.castMu.Lock()
	casting := s.casting
	s.castMu.Unlock()
	return protocol.NewStatusMessage(casting, s.caster.ViewportSize())
}

// broadcastStatus pushes the current status to every open viewer, not just
// the one whose arrival or departure changed it.
func (s *StreamServer) broadcastStatus() {
	msg := s.statusMessage()
	for _, v := range s.snapshot() {
		if err := v.send(msg); err != nil {
			s.logger.Debugf("stream", "broadcasting status: %v", err)
		}
	}
}

// broadcastFrame serializes a captured frame once and fans it out to every
// open viewer. Non-open viewers are skipped; write failures are left for
// the viewer's read loop to clean up.
func (s *StreamServer) broadcastFrame(f browser.Frame) {
	viewers := s.snapshot()
	if len(viewers) == 0 {
		return
	}

	buf := s.pool.Get()
	defer s.pool.Put(buf)
	if err := json.NewEncoder(buf).Encode(protocol.NewFrameMessage(f)); err != nil {
		s.logger.Errorf("stream", "encoding frame: %v", err)
		return
	}

	prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, buf.Bytes())
	if err != nil {
		s.logger.Errorf("stream", "preparing frame: %v", err)
		return
	}

	for _, v := range viewers {
		if err := v.sendPrepared(prepared); err != nil {
			s.logger.Debugf("stream", "writing frame: %v", err)
		}
	}
}

func (s *StreamServer) snapshot() []*viewer {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := make([]*viewer, 0, len(s.viewers))
	for v := range s.viewers {
		vs = append(vs, v)
	}
	return vs
}

// Stop tears the stream server down: deactivate the subscription first so
// the browser never gets a stop-frames call after its viewers vanished,
// then close every viewer, then the listener.
func (s *StreamServer) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	viewers := make([]*viewer, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.viewers = make(map[*viewer]struct{})
	s.mu.Unlock()

	s.castMu.Lock()
	if s.casting {
		if err := s.caster.StopScreencast(context.Background()); err != nil {
			s.logger.Warnf("stream", "stopping screencast: %v", err)
		}
		s.casting = false
	}
	s.castMu.Unlock()
	for _, v := range viewers {
		v.close()
	}
	if s.httpSrv != nil {
		return s.httpSrv.Close()
	}
	return nil
}
