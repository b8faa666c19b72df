// Package api implements the HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/todopilot/todopilot/internal/agent"
	"github.com/todopilot/todopilot/internal/buildinfo"
	"github.com/todopilot/todopilot/internal/memory"
	"github.com/todopilot/todopilot/internal/taskstore"
)

// ScopeHeader carries the caller's scope. Requests without it land in
// the default scope.
const ScopeHeader = "X-Scope"

const defaultScope = "default"

// ChatService handles one user message end to end.
type ChatService interface {
	HandleUserMessage(ctx context.Context, scope, conversationID, text string) (*agent.Result, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	chat    ChatService
	memory  memory.Store
	tasks   *taskstore.Store
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, chat ChatService, mem memory.Store, tasks *taskstore.Store, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		chat:    chat,
		memory:  mem,
		tasks:   tasks,
		logger:  logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)

	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleConversationMessages)

	mux.HandleFunc("GET /v1/tasks", s.handleTaskList)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func scopeOf(r *http.Request) string {
	if scope := r.Header.Get(ScopeHeader); scope != "" {
		return scope
	}
	return defaultScope
}

// ChatRequest is one chat message from the client.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the agent's reply. Failure names the gateway failure
// kind when the reply was served without a successful model exchange.
type ChatResponse struct {
	Reply          string   `json:"reply"`
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	Fallback       bool     `json:"fallback,omitempty"`
	Degraded       bool     `json:"degraded,omitempty"`
	Failure        string   `json:"failure,omitempty"`
	ToolCalls      []string `json:"tool_calls,omitempty"`
}

func chatResponseFromResult(res *agent.Result) ChatResponse {
	resp := ChatResponse{
		Reply:          res.ReplyText,
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
		Fallback:       res.Fallback,
		Degraded:       res.Degraded,
	}
	if res.Failure != nil {
		resp.Failure = res.Failure.String()
	}
	for _, c := range res.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, c.Name)
	}
	return resp
}

// handleChat runs one exchange.
// POST /v1/chat {"message": "add task buy milk"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.chat.HandleUserMessage(r.Context(), scopeOf(r), req.ConversationID, req.Message)
	if err != nil {
		s.chatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chatResponseFromResult(res), s.logger)
}

// chatStatus maps a chat error to an HTTP status and a client-safe
// message. Raw error detail never crosses this boundary; the REST and
// websocket handlers both rely on that.
func chatStatus(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest, "message is required"
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, "conversation not found"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) chatError(w http.ResponseWriter, err error) {
	code, message := chatStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("chat failed", "error", err)
	}
	s.errorResponse(w, code, message)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.memory.ListConversations(scopeOf(r))
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	scope := scopeOf(r)
	id := r.PathValue("id")

	conv, err := s.memory.GetConversation(id, scope)
	if errors.Is(err, memory.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("get conversation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	msgs, err := s.memory.ListMessages(id, scope)
	if err != nil {
		s.logger.Error("list messages failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation": conv,
		"messages":     msgs,
		"count":        len(msgs),
	}, s.logger)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	tasks, err := s.tasks.List(scopeOf(r), status)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "TodoPilot",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
