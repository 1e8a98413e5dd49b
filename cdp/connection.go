package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/clinicflow/flowbridge/log"
)

const wsWriteTimeout = 10 * time.Second

// wsIOError wraps errors returned by the underlying websocket.
type wsIOError struct {
	err error
}

func (e wsIOError) Error() string { return e.err.Error() }
func (e wsIOError) Unwrap() error { return e.err }

// connection is a websocket to a DevTools endpoint that reads and writes
// protocol messages.
type connection struct {
	ws     *websocket.Conn
	wsURL  string
	logger *log.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func dial(ctx context.Context, wsURL string, logger *log.Logger) (*connection, error) {
	wd := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1 << 20,
		WriteBufferSize:  1 << 20,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", wsURL, err)
	}

	return &connection{
		ws:     ws,
		wsURL:  wsURL,
		logger: logger,
	}, nil
}

// readRaw blocks until the next text frame arrives.
func (c *connection) readRaw() ([]byte, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, wsIOError{err}
	}
	return buf, nil
}

func (c *connection) readMessage() (*cdproto.Message, error) {
	buf, err := c.readRaw()
	if err != nil {
		return nil, err
	}

	var msg cdproto.Message
	in := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&in)
	if err := in.Error(); err != nil {
		return nil, fmt.Errorf("decoding message %q: %w", buf, err)
	}
	c.logger.Tracef("cdp:recv", "wsURL:%q <- %s", c.wsURL, buf)

	return &msg, nil
}

// writeRaw writes buf as a single text frame.
func (c *connection) writeRaw(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return wsIOError{err}
	}
	if _, err := w.Write(buf); err != nil {
		return wsIOError{err}
	}
	if err := w.Close(); err != nil {
		return wsIOError{err}
	}
	return nil
}

func (c *connection) writeMessage(msg *cdproto.Message) error {
	var encoder jwriter.Writer
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return fmt.Errorf("encoding message %d: %w", msg.ID, err)
	}
	buf, err := encoder.BuildBytes()
	if err != nil {
		return fmt.Errorf("encoding message %d: %w", msg.ID, err)
	}
	c.logger.Tracef("cdp:send", "wsURL:%q -> %s", c.wsURL, buf)

	return c.writeRaw(buf)
}

// close sends a close frame and closes the socket. Safe to call repeatedly.
func (c *connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// isClosedError reports whether err is the result of a normal shutdown of
// the websocket.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, errClientClosed)
}

// marshalParams encodes command params, leaving nil params empty.
func marshalParams(params easyjson.Marshaler) (easyjson.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	buf, err := easyjson.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return buf, nil
}
