// Package server exposes the relay's HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kmahone/promptrelay/pkg/gateway"
	"github.com/kmahone/promptrelay/pkg/session"
	"github.com/kmahone/promptrelay/pkg/store"
)

// Server serves the chat and process API.
type Server struct {
	sessions  *session.Manager
	exchanges store.ExchangeStore // may be nil when auditing is disabled
	srv       *http.Server
}

// New creates a new Server.
func New(sessions *session.Manager, exchanges store.ExchangeStore) *Server {
	return &Server{
		sessions:  sessions,
		exchanges: exchanges,
	}
}

// Handler returns the routed HTTP handler. Exposed separately from Start so
// tests can drive the full surface through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat sessions
	mux.HandleFunc("POST /chat/init", s.handleChatInit)
	mux.HandleFunc("DELETE /chat/{chat_id}", s.handleChatDelete)
	mux.HandleFunc("GET /chat/{chat_id}/ws", s.handleChatWebSocket)

	// One-shot and session turns
	mux.HandleFunc("POST /process", s.handleProcess)

	// Audit log
	mux.HandleFunc("GET /exchanges", s.handleExchanges)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	slog.Info("starting server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// failureStatus maps an error to the HTTP status that accompanies the in-band
// error field: the body is the contract, the status is a courtesy for
// conventional client tooling.
func failureStatus(err error) int {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &gwErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
