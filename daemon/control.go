package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/oqto/browserd/browser"
	"github.com/oqto/browserd/command"
	"github.com/oqto/browserd/log"
	"github.com/oqto/browserd/protocol"
)

// maxLineSize bounds one control protocol line. Screenshot responses flow
// the other way, so requests stay small; 1 MiB leaves generous headroom.
const maxLineSize = 1 << 20

// Executor runs one parsed command against the browser and produces the
// full response line. The command package provides the real one.
type Executor interface {
	Execute(ctx context.Context, cmd *protocol.Command, drv command.Driver) ([]byte, error)
}

// ControlServer accepts connections on the session socket and speaks the
// line-oriented command protocol. Any number of concurrent connections is
// accepted; the resource handle serializes their browser access.
type ControlServer struct {
	logger   *log.Logger
	handle   *ResourceHandle
	executor Executor

	// autoLaunch is the fixed configuration applied when the first
	// non-lifecycle command arrives before a launch.
	autoLaunch browser.LaunchOptions

	// shutdown triggers the full shutdown coordinator; wired by the
	// daemon after the coordinator exists.
	shutdown func()

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewControlServer returns a server ready to Start.
func NewControlServer(
	handle *ResourceHandle, executor Executor,
	autoLaunch browser.LaunchOptions, logger *log.Logger,
) *ControlServer {
	return &ControlServer{
		logger:     logger,
		handle:     handle,
		executor:   executor,
		autoLaunch: autoLaunch,
		shutdown:   func() {},
		conns:      make(map[net.Conn]struct{}),
	}
}

// OnClose registers the shutdown trigger invoked by a close command.
func (s *ControlServer) OnClose(fn func()) { s.shutdown = fn }

// Start listens on the session socket and begins accepting connections.
func (s *ControlServer) Start(socketPath string) error {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on control socket %q: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restricting control socket %q: %w", socketPath, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Infof("control", "listening on %s", socketPath)
	go s.acceptLoop(ln)
	return nil
}

func (s *ControlServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warnf("control", "accept failed: %v", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Stop closes the listener and every open connection.
func (s *ControlServer) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *ControlServer) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// connWriter serializes response writes to one connection; the read loop
// and command completions both produce responses.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

// writeLine writes one newline-terminated response. Transport errors are
// swallowed: the connection is on its way out and a failing command must
// never crash the daemon.
func (w *connWriter) writeLine(logger *log.Logger, line []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.conn.Write(append(line, '\n')); err != nil {
		logger.Debugf("control", "writing response: %v", err)
	}
}

func (s *ControlServer) handleConn(conn net.Conn) {
	defer s.dropConn(conn)

	w := &connWriter{conn: conn}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		if protocol.IsBlank(line) {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			w.writeLine(s.logger, protocol.ErrorResponse(protocol.RecoverID(line), err.Error()))
			continue
		}

		if cmd.Action == "close" {
			// Reply first, then run the full shutdown; nothing on any
			// connection is processed afterwards.
			w.writeLine(s.logger, protocol.OKResponse(cmd.ID, nil))
			s.shutdown()
			return
		}

		s.dispatch(cmd, w)
	}
	if err := sc.Err(); err != nil {
		s.logger.Debugf("control", "connection read ended: %v", err)
	}
}

// dispatch submits the command to the resource handle without waiting for
// it: submission happens in parse order, the response is written whenever
// the command completes, and the read loop moves on to the next line.
func (s *ControlServer) dispatch(cmd *protocol.Command, w *connWriter) {
	ctx := context.Background()
	err := s.handle.Async(func(r BrowserResource) {
		if resp, err := s.execute(ctx, cmd, r); err != nil {
			w.writeLine(s.logger, protocol.ErrorResponse(cmd.ID, err.Error()))
		} else {
			w.writeLine(s.logger, resp)
		}
	})
	if err != nil {
		w.writeLine(s.logger, protocol.ErrorResponse(cmd.ID, "daemon is shutting down"))
	}
}

func (s *ControlServer) execute(
	ctx context.Context, cmd *protocol.Command, r BrowserResource,
) ([]byte, error) {
	if cmd.Action == "launch" {
		return s.launch(ctx, cmd, r)
	}

	// Auto-launch: the first non-lifecycle command starts the browser
	// with the daemon's fixed configuration. A launch failure surfaces
	// as this command's execution error.
	if !r.IsLaunched() {
		if err := r.Launch(ctx, s.autoLaunch); err != nil {
			return nil, fmt.Errorf("auto-launch failed: %w", err)
		}
	}

	return s.executor.Execute(ctx, cmd, r)
}

// launch handles the explicit launch action. Launching an already-running
// browser reports success without relaunching.
func (s *ControlServer) launch(
	ctx context.Context, cmd *protocol.Command, r BrowserResource,
) ([]byte, error) {
	if !r.IsLaunched() {
		opts := s.autoLaunch
		opts.Headless = cmd.Bool("headless", opts.Headless)
		if cmd.Has("width") && cmd.Has("height") {
			opts.Viewport = browser.Size{
				Width:  cmd.Int("width", opts.Viewport.Width),
				Height: cmd.Int("height", opts.Viewport.Height),
			}
		}
		if ua := cmd.String("userAgent", ""); ua != "" {
			opts.UserAgent = ua
		}
		if err := r.Launch(ctx, opts); err != nil {
			return nil, err
		}
	}
	return protocol.OKResponse(cmd.ID, map[string]interface{}{"launched": true}), nil
}
