package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lynexus/lynexus-agent/internal/agent"
	"github.com/lynexus/lynexus-agent/internal/stream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 1 << 20
)

// The API serves local clients, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn serializes writes to a websocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	return &wsConn{conn: conn}
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

// keepalive pings until ctx is done or a ping fails.
func (c *wsConn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// wsRequest is a client message on a conversation socket.
type wsRequest struct {
	Type    string `json:"type"` // send, stop or ping
	Content string `json:"content,omitempty"`
}

// handleConversationWS carries a conversation over one socket. The
// client sends {"type":"send","content":...} to start a run and
// {"type":"stop"} to stop it; run events are written as they occur,
// in the same JSON form as the SSE stream. Closing the socket detaches
// from runs without stopping them.
func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.storeError(w, "get conversation", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := newWSConn(conn)

	ctx, cancel := context.WithCancel(r.Context())
	var forwarders sync.WaitGroup
	defer conn.Close()
	defer forwarders.Wait()
	defer cancel()

	go c.keepalive(ctx)
	s.logger.Debug("conversation socket opened", "conversation", id)

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("conversation socket closed", "conversation", id, "error", err)
			}
			return
		}

		switch req.Type {
		case "send":
			if strings.TrimSpace(req.Content) == "" {
				c.writeJSON(socketError(id, "content is required"))
				continue
			}
			sub, err := s.runner.Start(ctx, id, req.Content)
			if err != nil {
				c.writeJSON(socketError(id, err.Error()))
				continue
			}
			forwarders.Add(1)
			go func() {
				defer forwarders.Done()
				s.forward(ctx, c, sub)
			}()

		case "stop":
			c.writeJSON(map[string]any{"type": "stopped", "conversationId": id, "stopped": s.runner.Stop(id)})

		case "ping":
			c.writeJSON(map[string]any{"type": "pong"})

		default:
			c.writeJSON(socketError(id, "unknown message type: "+req.Type))
		}
	}
}

// forward writes a run's events to the socket until the run ends or
// the socket goes away.
func (s *Server) forward(ctx context.Context, c *wsConn, sub *stream.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, open := <-sub.Events():
			if !open {
				return
			}
			if err := c.writeJSON(e); err != nil {
				s.logger.Debug("socket write failed", "conversation", sub.ConversationID, "error", err)
				return
			}
		}
	}
}

func socketError(conversationID, msg string) agent.Event {
	return agent.Event{Kind: agent.EventError, ConversationID: conversationID, Error: msg}
}

// handleEventsWS streams operational events. ?backlog=N first replays
// up to N recent events.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	backlog := parseIntParam(r, "backlog", 0)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	c := newWSConn(conn)

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.keepalive(ctx)

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if backlog > 0 {
		for _, e := range s.bus.Recent(backlog) {
			if err := c.writeJSON(e); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			if err := c.writeJSON(e); err != nil {
				return
			}
		}
	}
}
