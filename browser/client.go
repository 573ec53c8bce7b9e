package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/oqto/browserd/log"
)

var _ cdp.Executor = &client{}

// client manages CDP communication with the browser. Commands are
// correlated to responses by message id; events are handed to a single
// handler callback.
type client struct {
	ctx    context.Context
	logger *log.Logger

	conn  *connection
	msgID int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	onEvent func(msg *cdproto.Message)

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(ctx context.Context, logger *log.Logger) *client {
	return &client{
		ctx:     ctx,
		logger:  logger,
		pending: make(map[int64]chan *cdproto.Message),
		done:    make(chan struct{}),
	}
}

// connect dials the browser's CDP endpoint and starts the receive loop.
func (c *client) connect(wsURL string) error {
	conn, err := dial(c.ctx, wsURL)
	if err != nil {
		return err
	}
	c.conn = conn
	go c.recvLoop()
	return nil
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.close()
		}
	})
}

func (c *client) recvLoop() {
	for {
		msg, err := c.conn.recv()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debugf("cdp", "receive loop ended: %v", err)
			}
			c.failPending()
			return
		}

		switch {
		case msg.ID != 0:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		case msg.Method != "":
			if c.onEvent != nil {
				c.onEvent(msg)
			}
		}
	}
}

func (c *client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// Execute implements cdp.Executor for browser-level commands.
func (c *client) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	return c.execute(ctx, "", method, params, res)
}

// session routes commands to one attached target. It implements
// cdp.Executor so cdproto actions can run against a page.
type session struct {
	client *client
	id     target.SessionID
}

var _ cdp.Executor = session{}

func (s session) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	return s.client.execute(ctx, s.id, method, params, res)
}

func (c *client) execute(
	ctx context.Context, sessionID target.SessionID,
	method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	id := atomic.AddInt64(&c.msgID, 1)

	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("marshaling %q params: %w", method, err)
		}
	}

	msg := &cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.conn.send(msg); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for %q response: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("waiting for %q response: connection closed", method)
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("waiting for %q response: connection lost", method)
		}
		if resp.Error != nil {
			return fmt.Errorf("executing %q: %w", method, resp.Error)
		}
		if res != nil && resp.Result != nil {
			if err := easyjson.Unmarshal(resp.Result, res); err != nil {
				return fmt.Errorf("unmarshaling %q result: %w", method, err)
			}
		}
		return nil
	}
}
