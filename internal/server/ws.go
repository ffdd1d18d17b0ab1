package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencode-ai/gatekeeper/internal/logging"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the dashboard is served from any origin
	},
}

// WSMessage is a message exchanged over /ws.
type WSMessage struct {
	Type     string          `json:"type"`
	TicketID string          `json:"ticketId,omitempty"`
	Approved *bool           `json:"approved,omitempty"`
	OK       *bool           `json:"ok,omitempty"`
	Error    string          `json:"error,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Websocket message types.
const (
	WSDashboardInit    = "dashboard:init"
	WSDashboardRefresh = "dashboard:refresh"
	WSTicketApprove    = "ticket:approve"
	WSTicketResult     = "ticket:result"
	WSEvent            = "event"
	WSError            = "error"
)

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// serveWS handles GET /ws.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{conn: conn}

	// Subscribe before the snapshot so no event published after it is lost.
	if s.bus != nil {
		events, err := s.bus.Stream(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("websocket event stream")
		} else {
			go func() {
				for payload := range events {
					if err := c.send(WSMessage{Type: WSEvent, Data: payload}); err != nil {
						cancel()
						return
					}
				}
			}()
		}
	}

	if err := s.sendDashboard(c, WSDashboardInit); err != nil {
		return
	}

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := s.handleWS(c, msg); err != nil {
			return
		}
	}
}

func (s *Server) handleWS(c *wsConn, msg WSMessage) error {
	switch msg.Type {
	case WSDashboardRefresh:
		return s.sendDashboard(c, WSDashboardInit)
	case WSTicketApprove:
		if msg.TicketID == "" || msg.Approved == nil {
			return c.send(WSMessage{Type: WSError, Error: "ticketId and approved are required"})
		}
		reply := WSMessage{Type: WSTicketResult, TicketID: msg.TicketID}
		ok := true
		if _, err := s.decide(msg.TicketID, *msg.Approved, "websocket"); err != nil {
			ok = false
			reply.Error = err.Error()
		}
		reply.OK = &ok
		return c.send(reply)
	default:
		return c.send(WSMessage{Type: WSError, Error: "unknown message type: " + msg.Type})
	}
}

func (s *Server) sendDashboard(c *wsConn, typ string) error {
	data, err := json.Marshal(s.dashboard())
	if err != nil {
		return err
	}
	return c.send(WSMessage{Type: typ, Data: data})
}
