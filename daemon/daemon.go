package daemon

import (
	"fmt"

	"github.com/oqto/browserd/browser"
	"github.com/oqto/browserd/command"
	"github.com/oqto/browserd/log"
	"github.com/oqto/browserd/session"
)

// Config carries everything the daemon needs to start.
type Config struct {
	SessionID string
	// LaunchOptions is the fixed configuration used for explicit launch
	// and for auto-launch.
	LaunchOptions browser.LaunchOptions
	// StreamEnabled starts the viewer stream server.
	StreamEnabled bool
	// StreamPort is the requested stream port; 0 asks the OS.
	StreamPort int
}

// Daemon is one running browserd instance: a control server and an
// optional stream server sharing a single browser resource, plus the
// session artifacts that advertise them.
type Daemon struct {
	logger *log.Logger
	cfg    Config
	paths  session.Paths

	handle  *ResourceHandle
	control *ControlServer
	stream  *StreamServer
	coord   *Coordinator
}

// New assembles a daemon around the given browser resource.
func New(cfg Config, resource BrowserResource, logger *log.Logger) *Daemon {
	d := &Daemon{
		logger: logger,
		cfg:    cfg,
		paths:  session.DerivePaths(cfg.SessionID),
	}

	d.handle = NewResourceHandle(resource)
	d.control = NewControlServer(
		d.handle, command.NewExecutor(logger), cfg.LaunchOptions, logger)
	if cfg.StreamEnabled {
		d.stream = NewStreamServer(d.handle, d.handle, logger)
	}
	d.coord = NewCoordinator(d.stream, d.handle, d.control, d.paths, logger)
	d.control.OnClose(func() { d.coord.Trigger("close command") })

	return d
}

// Paths returns the session artifact locations.
func (d *Daemon) Paths() session.Paths { return d.paths }

// Coordinator returns the shutdown coordinator for signal and exit-hook
// wiring.
func (d *Daemon) Coordinator() *Coordinator { return d.coord }

// Start brings the daemon up: session directory and stale-artifact
// handling, then the control listener (pid file is written once it is
// listening), then the stream server and its port file.
func (d *Daemon) Start() error {
	if err := session.EnsureDir(d.paths); err != nil {
		return err
	}
	session.RemoveStale(d.paths, d.logger)

	if err := d.control.Start(d.paths.Socket); err != nil {
		return err
	}
	if err := session.WritePID(d.paths); err != nil {
		return fmt.Errorf("recording pid: %w", err)
	}

	if d.stream != nil {
		if err := d.stream.Start(d.cfg.StreamPort); err != nil {
			return err
		}
		if err := session.WriteStreamPort(d.paths, d.stream.Port()); err != nil {
			return fmt.Errorf("recording stream port: %w", err)
		}
	}

	d.logger.Infof("daemon", "session %q ready", d.cfg.SessionID)
	return nil
}

// Wait blocks until shutdown has completed.
func (d *Daemon) Wait() {
	<-d.coord.Done()
}
