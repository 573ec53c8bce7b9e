// Package browser drives a single Chromium instance over the Chrome
// DevTools Protocol. It is the one mutable resource the daemon manages:
// launched at most once per process, closed only by the shutdown path.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/pkg/errors"

	"github.com/oqto/browserd/log"
)

// FrameHandler receives every captured screencast frame.
type FrameHandler func(Frame)

// Frame is one captured screencast image plus its capture metadata.
type Frame struct {
	// Data is the compressed (JPEG) image payload.
	Data []byte
	// Metadata describes the capture.
	Metadata FrameMetadata
}

// FrameMetadata mirrors the CDP screencast frame metadata.
type FrameMetadata struct {
	DeviceWidth     float64 `json:"deviceWidth"`
	DeviceHeight    float64 `json:"deviceHeight"`
	PageScaleFactor float64 `json:"pageScaleFactor"`
	OffsetTop       float64 `json:"offsetTop"`
	ScrollOffsetX   float64 `json:"scrollOffsetX"`
	ScrollOffsetY   float64 `json:"scrollOffsetY"`
	Timestamp       float64 `json:"timestamp"`
}

// Browser is the managed browser instance.
type Browser struct {
	logger *log.Logger

	mu            sync.Mutex
	launched      bool
	screencasting bool
	viewport      Size
	frameHandler  FrameHandler

	proc   *Process
	client *client
	page   session

	events chan *cdproto.Message
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an unlaunched Browser.
func New(logger *log.Logger) *Browser {
	return &Browser{
		logger:   logger,
		viewport: Size{Width: DefaultViewportWidth, Height: DefaultViewportHeight},
	}
}

// IsLaunched reports whether the browser is currently running.
func (b *Browser) IsLaunched() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launched
}

// ViewportSize returns the last known viewport dimensions.
func (b *Browser) ViewportSize() Size {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewport
}

// Launch starts the browser process, connects to its CDP endpoint and opens
// a blank page. Launching an already-launched browser is an error.
func (b *Browser) Launch(ctx context.Context, opts LaunchOptions) error {
	b.mu.Lock()
	if b.launched {
		b.mu.Unlock()
		return errors.New("browser is already launched")
	}
	b.mu.Unlock()

	if opts.Viewport.Width <= 0 || opts.Viewport.Height <= 0 {
		opts.Viewport = Size{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}

	bctx, cancel := context.WithCancel(context.Background())

	proc, err := StartProcess(bctx, opts, b.logger)
	if err != nil {
		cancel()
		return err
	}

	cl := newClient(bctx, b.logger)
	if err := cl.connect(proc.WsURL()); err != nil {
		proc.Terminate()
		cancel()
		return err
	}

	events := make(chan *cdproto.Message, 64)
	cl.onEvent = func(msg *cdproto.Message) {
		select {
		case events <- msg:
		default:
			// Frame production outruns consumption; dropping is
			// preferable to stalling the CDP receive loop.
		}
	}

	page, err := b.openPage(ctx, cl, opts)
	if err != nil {
		cl.close()
		proc.Terminate()
		cancel()
		return err
	}

	b.mu.Lock()
	b.proc = proc
	b.client = cl
	b.page = page
	b.events = events
	b.ctx = bctx
	b.cancel = cancel
	b.viewport = opts.Viewport
	b.launched = true
	b.mu.Unlock()

	go b.eventLoop(bctx, events)

	b.logger.Infof("browser", "launched pid %d (headless=%t, viewport=%dx%d)",
		proc.Pid(), opts.Headless, opts.Viewport.Width, opts.Viewport.Height)

	return nil
}

func (b *Browser) openPage(ctx context.Context, cl *client, opts LaunchOptions) (session, error) {
	targetID, err := target.CreateTarget("about:blank").Do(cdp.WithExecutor(ctx, cl))
	if err != nil {
		return session{}, fmt.Errorf("creating page target: %w", err)
	}

	sessionID, err := target.AttachToTarget(targetID).WithFlatten(true).
		Do(cdp.WithExecutor(ctx, cl))
	if err != nil {
		return session{}, fmt.Errorf("attaching to page target: %w", err)
	}

	page := session{client: cl, id: sessionID}
	pctx := cdp.WithExecutor(ctx, page)

	if err := cdppage.Enable().Do(pctx); err != nil {
		return session{}, fmt.Errorf("enabling page domain: %w", err)
	}
	if err := runtime.Enable().Do(pctx); err != nil {
		return session{}, fmt.Errorf("enabling runtime domain: %w", err)
	}

	action := emulation.SetDeviceMetricsOverride(
		opts.Viewport.Width, opts.Viewport.Height, 1.0, false)
	if err := action.Do(pctx); err != nil {
		return session{}, fmt.Errorf("setting viewport: %w", err)
	}

	if opts.StorageStatePath != "" {
		if err := b.restoreStorageState(pctx, opts.StorageStatePath); err != nil {
			// A broken storage state file should not abort the launch.
			b.logger.Warnf("browser", "restoring storage state: %v", err)
		}
	}

	return page, nil
}

// restoreStorageState loads persisted cookies from a storage-state JSON
// file and installs them in the fresh browser.
func (b *Browser) restoreStorageState(pctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading storage state")
	}

	var state struct {
		Cookies []struct {
			Name     string  `json:"name"`
			Value    string  `json:"value"`
			Domain   string  `json:"domain"`
			Path     string  `json:"path"`
			Expires  float64 `json:"expires"`
			HTTPOnly bool    `json:"httpOnly"`
			Secure   bool    `json:"secure"`
		} `json:"cookies"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return errors.Wrap(err, "parsing storage state")
	}
	if len(state.Cookies) == 0 {
		return nil
	}

	params := make([]*network.CookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			t := cdp.TimeSinceEpoch(epochTime(c.Expires))
			p.Expires = &t
		}
		params = append(params, p)
	}

	if err := network.SetCookies(params).Do(pctx); err != nil {
		return errors.Wrap(err, "setting cookies")
	}
	return nil
}

// Close shuts the browser down: a polite Browser.close over CDP, then the
// transport, then the process. Closing an unlaunched browser is a no-op.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.launched {
		b.mu.Unlock()
		return nil
	}
	proc, cl, cancel := b.proc, b.client, b.cancel
	b.launched = false
	b.screencasting = false
	b.frameHandler = nil
	b.mu.Unlock()

	// Best-effort graceful close; the process terminate below is the
	// backstop.
	if err := cdpbrowser.Close().Do(cdp.WithExecutor(ctx, cl)); err != nil {
		b.logger.Debugf("browser", "graceful close failed: %v", err)
	}
	cl.close()
	proc.Terminate()
	cancel()

	b.logger.Infof("browser", "closed")
	return nil
}

func (b *Browser) eventLoop(ctx context.Context, events <-chan *cdproto.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-events:
			if msg.Method != cdproto.EventPageScreencastFrame {
				continue
			}
			b.handleScreencastFrame(ctx, msg)
		}
	}
}

func (b *Browser) handleScreencastFrame(ctx context.Context, msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		b.logger.Debugf("browser", "decoding screencast frame: %v", err)
		return
	}
	frame, ok := ev.(*cdppage.EventScreencastFrame)
	if !ok {
		return
	}

	b.mu.Lock()
	page := b.page
	handler := b.frameHandler
	active := b.screencasting
	b.mu.Unlock()

	// Frames must be acked or Chromium stops producing them.
	ack := cdppage.ScreencastFrameAck(frame.SessionID)
	if err := ack.Do(cdp.WithExecutor(ctx, page)); err != nil {
		b.logger.Debugf("browser", "acking screencast frame: %v", err)
	}

	if !active || handler == nil {
		return
	}

	data, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		b.logger.Debugf("browser", "decoding screencast frame data: %v", err)
		return
	}

	md := FrameMetadata{PageScaleFactor: 1}
	if m := frame.Metadata; m != nil {
		md = FrameMetadata{
			DeviceWidth:     m.DeviceWidth,
			DeviceHeight:    m.DeviceHeight,
			PageScaleFactor: m.PageScaleFactor,
			OffsetTop:       m.OffsetTop,
			ScrollOffsetX:   m.ScrollOffsetX,
			ScrollOffsetY:   m.ScrollOffsetY,
			Timestamp:       epochSeconds(m.Timestamp),
		}
	}

	handler(Frame{Data: data, Metadata: md})
}

// StartScreencast begins frame production, delivering every frame to
// handler. It fails if the browser is not launched or a screencast is
// already active.
func (b *Browser) StartScreencast(ctx context.Context, handler FrameHandler) error {
	b.mu.Lock()
	if !b.launched {
		b.mu.Unlock()
		return errors.New("browser is not launched")
	}
	if b.screencasting {
		b.mu.Unlock()
		return errors.New("screencast is already active")
	}
	page := b.page
	b.screencasting = true
	b.frameHandler = handler
	b.mu.Unlock()

	action := cdppage.StartScreencast().
		WithFormat(cdppage.ScreencastFormatJpeg).
		WithQuality(80).
		WithEveryNthFrame(1)
	if err := action.Do(cdp.WithExecutor(ctx, page)); err != nil {
		b.mu.Lock()
		b.screencasting = false
		b.frameHandler = nil
		b.mu.Unlock()
		return fmt.Errorf("starting screencast: %w", err)
	}
	return nil
}

// StopScreencast halts frame production. Stopping an inactive screencast
// is a no-op.
func (b *Browser) StopScreencast(ctx context.Context) error {
	b.mu.Lock()
	if !b.launched || !b.screencasting {
		b.mu.Unlock()
		return nil
	}
	page := b.page
	b.screencasting = false
	b.frameHandler = nil
	b.mu.Unlock()

	if err := cdppage.StopScreencast().Do(cdp.WithExecutor(ctx, page)); err != nil {
		return fmt.Errorf("stopping screencast: %w", err)
	}
	return nil
}

// IsScreencasting reports whether a screencast is currently active.
func (b *Browser) IsScreencasting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.screencasting
}

func (b *Browser) pageContext(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.launched {
		return nil, errors.New("browser is not launched")
	}
	return cdp.WithExecutor(ctx, b.page), nil
}
