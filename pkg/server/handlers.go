package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kmahone/promptrelay/pkg/domain"
)

type chatInitRequest struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type chatInitResponse struct {
	ChatID string `json:"chat_id"`
	Error  string `json:"error,omitempty"`
}

type processRequest struct {
	Model       string         `json:"model"`
	Instruction string         `json:"instruction"`
	ChatID      string         `json:"chat_id,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type processResponse struct {
	Result string `json:"result,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleChatInit(w http.ResponseWriter, r *http.Request) {
	var req chatInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, chatInitResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Model == "" {
		s.jsonResponse(w, http.StatusBadRequest, chatInitResponse{Error: "model is required"})
		return
	}

	id, err := s.sessions.Create(req.Model, req.SystemPrompt)
	if err != nil {
		slog.Error("failed to create session", "error", err)
		s.jsonResponse(w, http.StatusInternalServerError, chatInitResponse{Error: err.Error()})
		return
	}
	s.jsonResponse(w, http.StatusOK, chatInitResponse{ChatID: id})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, processResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Instruction == "" {
		s.jsonResponse(w, http.StatusBadRequest, processResponse{ChatID: req.ChatID, Error: "instruction is required"})
		return
	}

	// A chat_id routes the instruction to the session's model; the model field
	// only applies to stateless queries.
	if req.ChatID != "" {
		result, err := s.sessions.SendTurn(r.Context(), req.ChatID, req.Instruction, req.Parameters)
		if err != nil {
			s.jsonResponse(w, failureStatus(err), processResponse{ChatID: req.ChatID, Error: err.Error()})
			return
		}
		s.jsonResponse(w, http.StatusOK, processResponse{Result: result, ChatID: req.ChatID})
		return
	}

	if req.Model == "" {
		s.jsonResponse(w, http.StatusBadRequest, processResponse{Error: "model is required for stateless queries"})
		return
	}
	result, err := s.sessions.SendStateless(r.Context(), req.Model, req.Instruction, req.Parameters)
	if err != nil {
		s.jsonResponse(w, failureStatus(err), processResponse{Error: err.Error()})
		return
	}
	s.jsonResponse(w, http.StatusOK, processResponse{Result: result})
}

func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request) {
	// Deletion is idempotent; an unknown id is not an error.
	s.sessions.Close(r.PathValue("chat_id"))
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	if s.exchanges == nil {
		s.jsonResponse(w, http.StatusNotFound, map[string]string{"error": "exchange auditing is disabled"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	exchanges, err := s.exchanges.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list exchanges", "error", err)
		s.jsonResponse(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if exchanges == nil {
		exchanges = []domain.Exchange{}
	}
	s.jsonResponse(w, http.StatusOK, exchanges)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
