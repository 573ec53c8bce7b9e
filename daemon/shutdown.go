package daemon

import (
	"context"
	"sync"

	"github.com/oqto/browserd/log"
	"github.com/oqto/browserd/session"
)

// Coordinator states.
const (
	stateRunning = iota
	stateShuttingDown
	stateStopped
)

// Coordinator owns teardown. The close command, termination signals and
// the process exit hook all request a transition; only the first request
// runs the sequence, which is: stream server, browser, control listener,
// session artifacts. Every step is best-effort.
type Coordinator struct {
	logger  *log.Logger
	stream  *StreamServer
	handle  *ResourceHandle
	control *ControlServer
	paths   session.Paths

	mu    sync.Mutex
	state int
	done  chan struct{}
}

// NewCoordinator wires the coordinator; stream may be nil when streaming
// is disabled.
func NewCoordinator(
	stream *StreamServer, handle *ResourceHandle, control *ControlServer,
	paths session.Paths, logger *log.Logger,
) *Coordinator {
	return &Coordinator{
		logger:  logger,
		stream:  stream,
		handle:  handle,
		control: control,
		paths:   paths,
		done:    make(chan struct{}),
	}
}

// Done is closed once teardown has completed.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Trigger requests shutdown. The first caller runs the full sequence and
// closes Done; later callers return immediately.
func (c *Coordinator) Trigger(reason string) {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return
	}
	c.state = stateShuttingDown
	c.mu.Unlock()

	c.logger.Infof("shutdown", "shutting down (%s)", reason)

	if c.stream != nil {
		if err := c.stream.Stop(); err != nil {
			c.logger.Warnf("shutdown", "stopping stream server: %v", err)
		}
	}
	if err := c.handle.CloseBrowser(context.Background()); err != nil {
		c.logger.Warnf("shutdown", "closing browser: %v", err)
	}
	c.handle.Stop()
	if err := c.control.Stop(); err != nil {
		c.logger.Warnf("shutdown", "stopping control server: %v", err)
	}
	session.Cleanup(c.paths)

	c.mu.Lock()
	c.state = stateStopped
	c.mu.Unlock()
	close(c.done)
}

// CleanupArtifacts removes the session files. Removal is idempotent, so
// the process exit hook can call this after Trigger has already run.
func (c *Coordinator) CleanupArtifacts() {
	session.Cleanup(c.paths)
}
