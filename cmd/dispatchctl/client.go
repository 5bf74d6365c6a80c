package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lexiqai/dispatch-gateway/internal/api"
	"github.com/lexiqai/dispatch-gateway/internal/observability"
)

// httpClient talks to the gateway's HTTP API
type httpClient struct {
	baseURL string
	http    *http.Client
}

func newHTTPClient(baseURL string, timeout time.Duration) *httpClient {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) Ask(ctx context.Context, sessionID, query string) (*api.QueryResponse, error) {
	body, err := json.Marshal(api.QueryRequest{Query: query, SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	var resp api.QueryResponse
	if err := c.do(ctx, http.MethodPost, "/query", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpClient) History(ctx context.Context, sessionID string) (*api.SessionResponse, error) {
	var resp api.SessionResponse
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready returns the readiness report. A not-ready service is not an error.
func (c *httpClient) Ready(ctx context.Context) (*observability.HealthStatus, error) {
	var status observability.HealthStatus
	err := c.do(ctx, http.MethodGet, "/ready", nil, &status)
	var respErr *responseError
	if errors.As(err, &respErr) && respErr.code == http.StatusServiceUnavailable && status.Status != "" {
		return &status, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

type responseError struct {
	code    int
	message string
}

func (e *responseError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("server returned %d", e.code)
	}
	return fmt.Sprintf("server returned %d: %s", e.code, e.message)
}

// do sends a request and decodes the JSON body into out. Non-2xx bodies are
// still decoded into out when they parse, so callers can inspect them.
func (c *httpClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		_ = json.Unmarshal(data, &apiErr)
		_ = json.Unmarshal(data, out)
		return &responseError{code: resp.StatusCode, message: apiErr.Error}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
