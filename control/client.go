package control

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinicflow/flowbridge/runner"
)

// client is one WebSocket connection. Only writeLoop writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.conn.Close()
	})
}

// offer queues msg unless the client is too far behind.
func (c *client) offer(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// deliver queues msg, waiting for room.
func (c *client) deliver(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("control:serveWS", "upgrading %s: %v", r.RemoteAddr, err)
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		c.close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.opts.Metrics.ClientConnected(1)
	s.logger.Debugf("control:serveWS", "client %s connected", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.opts.Metrics.ClientConnected(-1)
		c.close()
		s.logger.Debugf("control:serveWS", "client %s disconnected", r.RemoteAddr)
	}()

	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	for {
		_, message, err := c.conn.ReadMessage()
		if websocket.IsCloseError(err,
			websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
		) {
			return
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				s.logger.Debugf("control:readLoop", "reading websocket message: %v", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			s.logger.Warnf("control:readLoop", "unmarshaling request: %v", err)
			s.respond(c, Response{Type: TypeResponse, Error: "invalid request: " + err.Error()})
			continue
		}
		s.logger.Debugf("control:readLoop", "request type:%s id:%q", req.Type, req.ID)

		// strategy runs take seconds; don't hold up the next request
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.respond(c, s.Dispatch(s.ctx, req))
		}()
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debugf("control:writeLoop", "writing websocket message: %v", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) respond(c *client, resp Response) {
	msg, err := s.encode(resp)
	if err != nil {
		s.logger.Errorf("control:respond", "encoding response: %v", err)
		return
	}
	c.deliver(msg)
}

// broadcast pushes every event to every client. Clients that can't keep up
// miss events.
func (s *Server) broadcast(events <-chan runner.Event) {
	for ev := range events {
		msg, err := s.encode(Update{Type: TypeStrategyUpdate, Payload: ev})
		if err != nil {
			s.logger.Errorf("control:broadcast", "encoding event: %v", err)
			continue
		}

		s.mu.Lock()
		for c := range s.clients {
			if !c.offer(msg) {
				s.logger.Debugf("control:broadcast", "client behind, dropping %s event", ev.Kind)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) encode(v any) ([]byte, error) {
	buf := s.bufs.Get()
	defer s.bufs.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, err //nolint:wrapcheck
	}
	// buf goes back to the pool; the message outlives it
	msg := make([]byte, buf.Len())
	copy(msg, buf.Bytes())

	return msg, nil
}
