package server

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatgate/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// wsEvent is the JSON frame sent to widget clients.
type wsEvent struct {
	Type     string            `json:"type"` // "status" | "messages"
	Content  string            `json:"content,omitempty"`
	Messages []*domain.Message `json:"messages,omitempty"`
}

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowed, r.Header.Get("Origin"))
		},
	}
}

// originAllowed matches the CORS origin list; "*" allows everything and a
// missing Origin header (non-browser client) is accepted.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" || slices.Contains(allowed, "*") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}

// handleWebsocket streams every message of the conversation as it is
// persisted. Messages sent by the widget still go through the webhook.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conv := conversationFrom(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "conversation_id", conv.ID, "err", err)
		return
	}
	defer conn.Close()

	sub := s.cfg.Watchers.Subscribe(conv.ID)
	defer sub.Close()

	s.logger.Debug("websocket client connected", "conversation_id", conv.ID)
	defer s.logger.Debug("websocket client disconnected", "conversation_id", conv.ID)

	// Read loop: only control frames are expected; it ends when the client
	// closes the connection.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", "conversation_id", conv.ID, "err", err)
				}
				return
			}
		}
	}()

	if err := writeEvent(conn, wsEvent{Type: "status", Content: "connected"}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case msgs := <-sub.C:
			if err := writeEvent(conn, wsEvent{Type: "messages", Messages: msgs}); err != nil {
				s.logger.Debug("websocket write failed", "conversation_id", conv.ID, "err", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev wsEvent) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
