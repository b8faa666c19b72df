package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const wsWriteTimeout = 10 * time.Second

// wsError mirrors the REST error envelope on the socket.
type wsError struct {
	Error string `json:"error"`
}

// handleChatWS serves an interactive chat session over a websocket.
// Each inbound frame is a ChatRequest; each outbound frame is a
// ChatResponse. The scope is fixed at upgrade time from the request
// headers, so a session can never hop scopes mid-stream.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	scope := scopeOf(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("websocket session started", "scope", scope)

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		res, err := s.chat.HandleUserMessage(r.Context(), scope, req.ConversationID, req.Message)
		if err != nil {
			code, message := chatStatus(err)
			if code == http.StatusInternalServerError {
				s.logger.Error("websocket chat failed", "scope", scope, "error", err)
			}
			s.writeWS(conn, wsError{Error: message})
			continue
		}
		s.writeWS(conn, chatResponseFromResult(res))
	}
}

func (s *Server) writeWS(conn *websocket.Conn, v any) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
	}
}
