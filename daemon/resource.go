// Package daemon coordinates the lifecycle of one managed browser across
// the control channel server, the optional stream server and the shutdown
// path.
package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/oqto/browserd/browser"
	"github.com/oqto/browserd/command"
)

// BrowserResource is the capability set the daemon needs from the managed
// browser. *browser.Browser implements it.
type BrowserResource interface {
	command.Driver

	Launch(ctx context.Context, opts browser.LaunchOptions) error
	Close(ctx context.Context) error

	StartScreencast(ctx context.Context, handler browser.FrameHandler) error
	StopScreencast(ctx context.Context) error

	DispatchMouseEvent(ctx context.Context, ev browser.MouseEvent) error
	DispatchKeyEvent(ctx context.Context, ev browser.KeyEvent) error
	DispatchTouchEvent(ctx context.Context, ev browser.TouchEvent) error
}

var _ BrowserResource = &browser.Browser{}

// errHandleClosed is returned for work submitted after the handle stopped.
var errHandleClosed = errors.New("browser resource handle is closed")

// ResourceHandle is the single owner of the BrowserResource. Both servers
// submit work through its request channel, so cross-server interleaving is
// the FIFO order of that channel rather than goroutine scheduling luck.
// Only the shutdown coordinator may submit a close.
type ResourceHandle struct {
	resource BrowserResource
	requests chan func()

	stopOnce sync.Once
	done     chan struct{}
}

// NewResourceHandle starts the owning goroutine for resource.
func NewResourceHandle(resource BrowserResource) *ResourceHandle {
	h := &ResourceHandle{
		resource: resource,
		requests: make(chan func(), 16),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *ResourceHandle) run() {
	for {
		select {
		case <-h.done:
			return
		case fn := <-h.requests:
			fn()
		}
	}
}

// Do submits fn for execution against the resource and waits for it to
// finish. There is no internal timeout: a hung browser call hangs the
// submitter and everything queued behind it until ctx expires.
func (h *ResourceHandle) Do(ctx context.Context, fn func(BrowserResource) error) error {
	select {
	case <-h.done:
		return errHandleClosed
	default:
	}

	errc := make(chan error, 1)
	req := func() { errc <- fn(h.resource) }

	select {
	case h.requests <- req:
	case <-h.done:
		return errHandleClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Async submits fn without waiting for completion. Enqueue order is
// submission order, so callers submitting from one goroutine keep their
// commands in arrival order even though they do not block on results.
func (h *ResourceHandle) Async(fn func(BrowserResource)) error {
	select {
	case <-h.done:
		return errHandleClosed
	default:
	}

	select {
	case h.requests <- func() { fn(h.resource) }:
		return nil
	case <-h.done:
		return errHandleClosed
	}
}

// Stop ends the owning goroutine. Submitted-but-unstarted work is dropped.
func (h *ResourceHandle) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// IsLaunched peeks at resource state without going through the queue; the
// resource guards its own flags.
func (h *ResourceHandle) IsLaunched() bool { return h.resource.IsLaunched() }

// IsScreencasting peeks at screencast state.
func (h *ResourceHandle) IsScreencasting() bool { return h.resource.IsScreencasting() }

// ViewportSize peeks at the current viewport.
func (h *ResourceHandle) ViewportSize() browser.Size { return h.resource.ViewportSize() }

// StartScreencast routes screencast activation through the queue.
func (h *ResourceHandle) StartScreencast(ctx context.Context, handler browser.FrameHandler) error {
	return h.Do(ctx, func(r BrowserResource) error {
		return r.StartScreencast(ctx, handler)
	})
}

// StopScreencast routes screencast deactivation through the queue.
func (h *ResourceHandle) StopScreencast(ctx context.Context) error {
	return h.Do(ctx, func(r BrowserResource) error {
		return r.StopScreencast(ctx)
	})
}

// CloseBrowser closes the resource. Reserved for the shutdown coordinator.
func (h *ResourceHandle) CloseBrowser(ctx context.Context) error {
	return h.Do(ctx, func(r BrowserResource) error {
		return r.Close(ctx)
	})
}
