package app

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"slidequick/api/internal/collab"
	"slidequick/api/internal/rbac"
	"slidequick/api/internal/store"
)

var upgrader = websocket.Upgrader{
	// Browser clients connect cross-origin from the editor frontend; the
	// share id in the URL is the capability.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClientMessage struct {
	Type string     `json:"type"`
	Deck store.Deck `json:"deck"`
}

type wsServerMessage struct {
	Type    string          `json:"type"`
	Session *collab.Session `json:"session,omitempty"`
	Role    rbac.Role       `json:"role,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a
// time and controller callbacks arrive from several goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg wsServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("ws: write failed: %v", err)
	}
}

// handleSessionWS bridges one WebSocket connection to a share session:
// session updates stream out, deck publishes stream in. Each connection
// gets its own sync controller and client id, so a client's own writes
// do not echo back to it.
func (s *HTTPServer) handleSessionWS(w http.ResponseWriter, r *http.Request, shareID, viewerID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	out := &wsConn{conn: conn}

	controller := collab.NewController(collab.ControllerConfig{
		Store:       s.service.collab,
		ViewerID:    viewerID,
		JoinTimeout: s.service.cfg.JoinTimeout,
		OnUpdate: func(update collab.Update) {
			sess := update.Session
			out.send(wsServerMessage{Type: "update", Session: &sess, Role: update.Role})
		},
		OnError: func(err error) {
			_, code, message, _ := mapError(err)
			out.send(wsServerMessage{Type: "error", Code: code, Message: message})
		},
	})
	defer controller.Leave()

	// Join failures that surface synchronously (subscription refused) end
	// the connection; a missing session at read time does not, because the
	// session may still be created while we wait.
	if err := controller.Join(r.Context(), shareID); err != nil {
		_, code, message, _ := mapError(err)
		out.send(wsServerMessage{Type: "error", Code: code, Message: message})
		return
	}

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read failed for session %s: %v", shareID, err)
			}
			return
		}

		switch msg.Type {
		case "publish":
			if err := controller.Publish(r.Context(), msg.Deck); err != nil {
				_, code, message, _ := mapError(err)
				out.send(wsServerMessage{Type: "error", Code: code, Message: message})
			}
		case "leave":
			controller.Leave()
			return
		default:
			out.send(wsServerMessage{Type: "error", Code: "INVALID_MESSAGE", Message: "unknown message type"})
		}
	}
}
