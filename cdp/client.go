// Package cdp implements a client of the Chrome DevTools Protocol over a
// single browser-level websocket, with commands routed to attached targets
// by session ID.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"

	"github.com/clinicflow/flowbridge/cdp/domains"
	"github.com/clinicflow/flowbridge/log"
)

var _ cdp.Executor = &Client{}

var errClientClosed = errors.New("cdp client closed")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCommandTimeout bounds every command executed by the client. Zero
// leaves commands bounded only by their context.
func WithCommandTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.commandTimeout = d }
}

// Client manages CDP communication with the browser.
type Client struct {
	logger *log.Logger

	Browser domains.Browser
	DOM     domains.DOM
	Input   domains.Input
	Page    domains.Page
	Runtime domains.Runtime
	Target  domains.Target

	commandTimeout time.Duration

	conn      *connection
	wsURL     string
	msgID     int64
	msgSubsMu sync.Mutex
	msgSubs   map[int64]chan *cdproto.Message
	watcher   *eventWatcher

	done    chan struct{}
	errMu   sync.Mutex
	err     error
	closeMu sync.Once
}

// NewClient returns a new Client that is unusable until a CDP connection is
// established with Connect().
func NewClient(logger *log.Logger, opts ...ClientOption) *Client {
	c := &Client{
		logger:  logger,
		msgSubs: make(map[int64]chan *cdproto.Message),
		watcher: newEventWatcher(logger),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Browser = domains.NewBrowser(c)
	c.DOM = domains.NewDOM(c)
	c.Input = domains.NewInput(c)
	c.Page = domains.NewPage(c)
	c.Runtime = domains.NewRuntime(c)
	c.Target = domains.NewTarget(c)

	return c
}

// Connect to the browser that exposes a CDP API at wsURL.
func (c *Client) Connect(ctx context.Context, wsURL string) (err error) {
	if c.wsURL != "" {
		return fmt.Errorf("CDP connection already established to %q", c.wsURL)
	}

	if c.conn, err = dial(ctx, wsURL, c.logger); err != nil {
		return err
	}
	c.logger.Infof("cdp", "established CDP connection to %q", wsURL)
	c.wsURL = wsURL

	go c.recvLoop()

	return nil
}

// Done is closed once the connection to the browser is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, if it did.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close disconnects from the browser and waits for the receive loop to end.
func (c *Client) Close() error {
	if c.conn == nil {
		c.shutdown(errClientClosed)
		return nil
	}
	c.setErr(errClientClosed)
	err := c.conn.close()
	<-c.done
	return err
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive. The session ID in ctx, if any, routes the command to that target.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if c.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.commandTimeout)
		defer cancel()
	}

	buf, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	msg := &cdproto.Message{
		ID:        atomic.AddInt64(&c.msgID, 1),
		SessionID: GetSessionID(ctx),
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	c.logger.Debugf("cdp:Execute", "wsURL:%q sid:%v id:%d method:%q", c.wsURL, msg.SessionID, msg.ID, method)

	// Register before sending so that a fast reply isn't lost.
	recvCh := make(chan *cdproto.Message, 1)
	c.msgSubsMu.Lock()
	select {
	case <-c.done:
		c.msgSubsMu.Unlock()
		return fmt.Errorf("%s: %w", method, c.Err())
	default:
	}
	c.msgSubs[msg.ID] = recvCh
	c.msgSubsMu.Unlock()
	defer func() {
		c.msgSubsMu.Lock()
		delete(c.msgSubs, msg.ID)
		c.msgSubsMu.Unlock()
	}()

	if c.conn == nil {
		return fmt.Errorf("%s: not connected", method)
	}
	if err := c.conn.writeMessage(msg); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case reply := <-recvCh:
		if reply.Error != nil {
			return fmt.Errorf("%s: %w", method, reply.Error)
		}
		if res != nil {
			if err := easyjson.Unmarshal(reply.Result, res); err != nil {
				return fmt.Errorf("%s: decoding result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%s: %w", method, c.Err())
	}
}

// Subscribe returns a channel that will be notified when any of the given
// events is received, regardless of session, and a function that
// unsubscribes and closes the channel. The channel is also closed when the
// connection ends.
func (c *Client) Subscribe(events ...cdproto.MethodType) (<-chan *Event, func()) {
	return c.watcher.subscribe(events...)
}

func (c *Client) recvLoop() {
	for {
		msg, err := c.conn.readMessage()
		if err != nil {
			if !isClosedError(err) && !errors.Is(c.Err(), errClientClosed) {
				c.logger.Errorf("cdp:recvLoop", "wsURL:%q ioErr:%v", c.wsURL, err)
			}
			c.shutdown(err)
			return
		}

		switch {
		case msg.Method != "":
			evt, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				c.logger.Debugf("cdp:recvLoop", "skipping event %q: %v", msg.Method, err)
				continue
			}
			c.watcher.notify(&Event{
				Name:      msg.Method,
				Data:      evt,
				SessionID: msg.SessionID,
			})
		case msg.ID > 0:
			c.msgSubsMu.Lock()
			ch, ok := c.msgSubs[msg.ID]
			delete(c.msgSubs, msg.ID)
			c.msgSubsMu.Unlock()
			if !ok {
				c.logger.Debugf("cdp:recvLoop", "no one is waiting for reply %d", msg.ID)
				continue
			}
			ch <- msg
		default:
			c.logger.Errorf("cdp:recvLoop", "ignoring malformed incoming message (missing id or method): %#v", msg)
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) shutdown(err error) {
	c.setErr(err)
	c.closeMu.Do(func() {
		c.msgSubsMu.Lock()
		close(c.done)
		c.msgSubsMu.Unlock()
		c.watcher.close()
	})
}
