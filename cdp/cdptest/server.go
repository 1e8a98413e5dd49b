// Package cdptest provides a fake DevTools endpoint for tests. It speaks the
// protocol's message framing over a websocket and answers commands from
// per-method handlers.
package cdptest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
)

// ErrNoReply makes a handler's command go unanswered.
var ErrNoReply = errors.New("no reply")

// Call is a command received by the server.
type Call struct {
	ID        int64
	Method    string
	SessionID target.SessionID
	Params    json.RawMessage
}

// Decode decodes the call's params into v.
func (c Call) Decode(v interface{}) error {
	if len(c.Params) == 0 {
		return nil
	}
	return json.Unmarshal(c.Params, v)
}

// HandlerFunc answers a command. The result is JSON encoded into the reply.
// A *cdproto.Error is sent back as is; other errors are sent as a generic
// server error.
type HandlerFunc func(Call) (interface{}, error)

// Server is a fake browser.
type Server struct {
	t   testing.TB
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    []Call
	conns    map[*websocket.Conn]*sync.Mutex
	wg       sync.WaitGroup
}

// NewServer starts a fake browser that is shut down when the test ends.
// Commands without a handler are answered with an empty result.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		t:        t,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*websocket.Conn]*sync.Mutex),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(s.Close)

	return s
}

// URL returns the websocket URL of the fake browser.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/devtools/browser/fake"
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HandleResult answers method with result.
func (s *Server) HandleResult(method string, result interface{}) {
	s.Handle(method, func(Call) (interface{}, error) { return result, nil })
}

// HandleError answers method with a protocol error.
func (s *Server) HandleError(method string, code int64, message string) {
	s.Handle(method, func(Call) (interface{}, error) {
		return nil, &cdproto.Error{Code: code, Message: message}
	})
}

// Calls returns the received commands named method, or every command when
// method is empty.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var calls []Call
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			calls = append(calls, c)
		}
	}
	return calls
}

// Emit sends an event to every connected client.
func (s *Server) Emit(method string, sessionID target.SessionID, params interface{}) {
	s.t.Helper()

	p, err := json.Marshal(params)
	if err != nil {
		s.t.Fatalf("cdptest: encoding %s params: %v", method, err)
	}
	s.broadcast(map[string]interface{}{
		"method":    method,
		"sessionId": sessionID,
		"params":    json.RawMessage(p),
	})
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every client and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
	s.wg.Wait()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	var upgrader websocket.Upgrader
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Logf("cdptest: upgrading connection: %v", err)
		return
	}

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.conns[conn] = writeMu
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.wg.Done()
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			ID        int64            `json:"id"`
			Method    string           `json:"method"`
			SessionID target.SessionID `json:"sessionId"`
			Params    json.RawMessage  `json:"params"`
		}
		if err := json.Unmarshal(buf, &msg); err != nil {
			s.t.Logf("cdptest: decoding %q: %v", buf, err)
			continue
		}
		call := Call{ID: msg.ID, Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params}

		s.mu.Lock()
		s.calls = append(s.calls, call)
		h := s.handlers[call.Method]
		s.mu.Unlock()

		reply := map[string]interface{}{"id": call.ID}
		if call.SessionID != "" {
			reply["sessionId"] = call.SessionID
		}
		var result interface{} = struct{}{}
		if h != nil {
			var err error
			result, err = h(call)
			var cdpErr *cdproto.Error
			switch {
			case errors.Is(err, ErrNoReply):
				continue
			case errors.As(err, &cdpErr):
				reply["error"] = cdpErr
			case err != nil:
				reply["error"] = &cdproto.Error{Code: -32000, Message: err.Error()}
			case result == nil:
				result = struct{}{}
			}
		}
		if _, failed := reply["error"]; !failed {
			reply["result"] = result
		}
		if err := writeJSON(conn, writeMu, reply); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(v interface{}) {
	s.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for c, mu := range s.conns {
		conns[c] = mu
	}
	s.mu.Unlock()

	for c, mu := range conns {
		if err := writeJSON(c, mu, v); err != nil {
			s.t.Logf("cdptest: writing event: %v", err)
		}
	}
}

func writeJSON(conn *websocket.Conn, mu *sync.Mutex, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err //nolint:wrapcheck
	}
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, buf) //nolint:wrapcheck
}
