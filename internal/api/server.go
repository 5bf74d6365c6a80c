// Package api exposes the conversation turn API over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/orchestrator"
	"github.com/lexiqai/dispatch-gateway/internal/session"
	"github.com/lexiqai/dispatch-gateway/internal/textservice"
)

const maxRequestBody = 64 << 10

// TurnHandler is the orchestration boundary served over HTTP
type TurnHandler interface {
	HandleTurn(ctx context.Context, sessionID, text string) (*orchestrator.TurnResult, error)
	History(ctx context.Context, sessionID string) (*session.Session, error)
}

// QueryRequest is the body of POST /query
type QueryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// QueryResponse is returned by POST /query
type QueryResponse struct {
	Response    string `json:"response"`
	SessionID   string `json:"session_id"`
	Destination string `json:"destination,omitempty"`
}

// SessionResponse is returned by GET /sessions/{id}
type SessionResponse struct {
	SessionID string                 `json:"session_id"`
	Messages  []conversation.Message `json:"messages"`
	CreatedAt string                 `json:"created_at,omitempty"`
	UpdatedAt string                 `json:"updated_at,omitempty"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server serves the turn API
type Server struct {
	turns  TurnHandler
	logger zerolog.Logger
}

// NewServer creates the HTTP API
func NewServer(turns TurnHandler, logger zerolog.Logger) *Server {
	return &Server{
		turns:  turns,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts the API routes on mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "query is required"})
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	result, err := s.turns.HandleTurn(r.Context(), sessionID, req.Query)
	if err != nil {
		s.writeError(w, sessionID, err)
		return
	}

	writeJSON(w, http.StatusOK, QueryResponse{
		Response:    result.Reply,
		SessionID:   result.SessionID,
		Destination: result.Destination,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.turns.History(r.Context(), id)
	if err != nil {
		s.writeError(w, id, err)
		return
	}

	resp := SessionResponse{
		SessionID: sess.ID,
		Messages:  sess.History.Entries(),
	}
	if resp.Messages == nil {
		resp.Messages = []conversation.Message{}
	}
	if !sess.CreatedAt.IsZero() {
		resp.CreatedAt = sess.CreatedAt.Format(time.RFC3339)
		resp.UpdatedAt = sess.UpdatedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, sessionID string, err error) {
	code, message := StatusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("session_id", sessionID).Int("status", code).Msg("Request failed")
	}
	writeJSON(w, code, ErrorResponse{Error: message})
}

// StatusFor maps a turn error onto an HTTP status and a user-facing message
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput), errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, textservice.ErrGenerationFailure):
		return http.StatusBadGateway, "the assistant could not produce a reply"
	case errors.Is(err, session.ErrStoreFailure):
		return http.StatusServiceUnavailable, "conversation storage is unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "the request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
