package textservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/resilience"
)

func newTestClient(t *testing.T, endpoint string) *GeminiClient {
	t.Helper()
	client, err := NewGeminiClient(GeminiConfig{
		APIKey:   "test-key",
		Model:    "gemini-test",
		Endpoint: endpoint,
		Timeout:  2 * time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	return client
}

func writeCandidate(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]string{{"text": text}}},
			"finishReason": "STOP",
		}},
	})
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	_, err := NewGeminiClient(GeminiConfig{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestGeminiClient_Generate(t *testing.T) {
	var got geminiGenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCandidate(w, "It is noon.")
	}))
	defer server.Close()

	history, err := conversation.NewHistory(
		conversation.NewUserMessage("What time is it?"),
		conversation.NewToolResultMessage("get_current_time", "2024-01-01T12:00:00Z", "call-1"),
		conversation.NewAssistantMessage("It is noon."),
	)
	require.NoError(t, err)

	text, err := newTestClient(t, server.URL).Generate(context.Background(), Prompt{
		Instruction: "Be brief.",
		History:     history.Entries(),
		Input:       "Thanks",
	})
	require.NoError(t, err)
	assert.Equal(t, "It is noon.", text)

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "Be brief.", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 4)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "user", got.Contents[1].Role)
	assert.Contains(t, got.Contents[1].Parts[0].Text, "get_current_time")
	assert.Equal(t, "model", got.Contents[2].Role)
	assert.Equal(t, "Thanks", got.Contents[3].Parts[0].Text)
	assert.Nil(t, got.GenerationConfig.ResponseSchema)
}

func TestGeminiClient_ClassifySendsEnumSchema(t *testing.T) {
	var got geminiGenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCandidate(w, `{"destination":"get_current_time"}`)
	}))
	defer server.Close()

	labels := []string{"get_current_time", "direct"}
	out, err := newTestClient(t, server.URL).Classify(context.Background(), labels, Prompt{Input: "What time is it?"})
	require.NoError(t, err)
	assert.Equal(t, `{"destination":"get_current_time"}`, out)

	assert.Equal(t, "application/json", got.GenerationConfig.ResponseMIMEType)
	require.NotNil(t, got.GenerationConfig.ResponseSchema)
	assert.Equal(t, labels, got.GenerationConfig.ResponseSchema.Properties["destination"].Enum)
	require.NotNil(t, got.GenerationConfig.Temperature)
	assert.Zero(t, *got.GenerationConfig.Temperature)
}

func TestGeminiClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		writeCandidate(w, "recovered")
	}))
	defer server.Close()

	text, err := newTestClient(t, server.URL).Generate(context.Background(), Prompt{Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGeminiClient_ClientErrorIsGenerationFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Generate(context.Background(), Prompt{Input: "hi"})
	assert.True(t, errors.Is(err, ErrGenerationFailure))
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are not retried")
}

func TestGeminiClient_EmptyCompletionIsGenerationFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCandidate(w, "   ")
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Generate(context.Background(), Prompt{Input: "hi"})
	assert.ErrorIs(t, err, ErrGenerationFailure)
}

func TestGeminiClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ok, err := newTestClient(t, server.URL).Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
