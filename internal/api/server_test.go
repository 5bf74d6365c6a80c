package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/orchestrator"
	"github.com/lexiqai/dispatch-gateway/internal/session"
	"github.com/lexiqai/dispatch-gateway/internal/textservice"
)

type stubTurns struct {
	gotSession string
	gotText    string
	err        error
	sessions   map[string]*session.Session
}

func (s *stubTurns) HandleTurn(ctx context.Context, sessionID, text string) (*orchestrator.TurnResult, error) {
	s.gotSession, s.gotText = sessionID, text
	if s.err != nil {
		return nil, s.err
	}
	return &orchestrator.TurnResult{SessionID: sessionID, Reply: "reply to " + text, Destination: "direct"}, nil
}

func (s *stubTurns) History(ctx context.Context, sessionID string) (*session.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}
	return session.New(sessionID), nil
}

func serve(t *testing.T, turns TurnHandler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewServer(turns, zerolog.Nop()).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewBufferString(body)))
	return rec
}

func TestQuery_AssignsSessionID(t *testing.T) {
	turns := &stubTurns{}
	rec := serve(t, turns, http.MethodPost, "/query", `{"query": "hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "reply to hello", resp.Response)
	_, err := uuid.Parse(resp.SessionID)
	assert.NoError(t, err)
	assert.Equal(t, resp.SessionID, turns.gotSession)
}

func TestQuery_ReusesSessionID(t *testing.T) {
	turns := &stubTurns{}
	rec := serve(t, turns, http.MethodPost, "/query", `{"query": "again", "session_id": "abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "abc", resp.SessionID)
	assert.Equal(t, "again", turns.gotText)
}

func TestQuery_BadRequests(t *testing.T) {
	for _, body := range []string{`not json`, `{"query": "  "}`, `{}`} {
		rec := serve(t, &stubTurns{}, http.MethodPost, "/query", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}

	rec := serve(t, &stubTurns{}, http.MethodGet, "/query", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestQuery_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("synthesize reply: %w", textservice.ErrGenerationFailure), http.StatusBadGateway},
		{fmt.Errorf("save: %w", session.ErrStoreFailure), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: query is required", orchestrator.ErrInvalidInput), http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := serve(t, &stubTurns{err: tt.err}, http.MethodPost, "/query", `{"query": "hi"}`)
		assert.Equal(t, tt.code, rec.Code, "error %v", tt.err)

		var resp ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.NotEmpty(t, resp.Error)
	}
}

func TestSession_ReturnsHistory(t *testing.T) {
	h, err := conversation.NewHistory(
		conversation.NewUserMessage("What time is it?"),
		conversation.NewToolResultMessage("get_current_time", "2024-01-01T00:00:00Z", "c1"),
		conversation.NewAssistantMessage("Midnight."),
	)
	require.NoError(t, err)
	sess := session.New("s1")
	sess.History = h

	rec := serve(t, &stubTurns{sessions: map[string]*session.Session{"s1": sess}}, http.MethodGet, "/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "s1", resp.SessionID)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, conversation.RoleTool, resp.Messages[1].Role)
	assert.Equal(t, "get_current_time", resp.Messages[1].ToolName)
}

func TestSession_Unknown(t *testing.T) {
	rec := serve(t, &stubTurns{}, http.MethodGet, "/sessions/new-one", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"messages":[]`)
}
