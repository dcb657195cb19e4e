package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kmahone/promptrelay/pkg/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsTurnRequest struct {
	Instruction string         `json:"instruction"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wsTurnResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleChatWebSocket runs an interactive turn loop over a websocket: each
// inbound message is one turn on the session and each reply is written back
// whole. Responses are buffered, not token streams.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")

	// Verify the session exists before upgrading.
	if _, err := s.sessions.Transcript(chatID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "chat session not found", http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	for {
		var req wsTurnRequest
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			slog.Error("websocket read error", "error", err)
			return
		}

		var resp wsTurnResponse
		if req.Instruction == "" {
			resp.Error = "instruction is required"
		} else if result, err := s.sessions.SendTurn(r.Context(), chatID, req.Instruction, req.Parameters); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}

		if err := ws.WriteJSON(resp); err != nil {
			slog.Error("websocket write error", "error", err)
			return
		}
	}
}
