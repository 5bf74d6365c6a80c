package textservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/observability"
	"github.com/lexiqai/dispatch-gateway/internal/resilience"
)

const maxErrorBodySize = 4096

// GeminiConfig configures the Gemini REST client
type GeminiConfig struct {
	APIKey   string
	Model    string
	Endpoint string
	Timeout  time.Duration

	// Resilience configuration
	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
	Retry                      *resilience.RetryConfig
}

// GeminiClient implements Service on top of the generateContent API
type GeminiClient struct {
	cfg            GeminiConfig
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewGeminiClient creates a Gemini client
func NewGeminiClient(cfg GeminiConfig, logger zerolog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CircuitBreakerMaxFailures == 0 {
		cfg.CircuitBreakerMaxFailures = 5
	}
	if cfg.CircuitBreakerResetTimeout == 0 {
		cfg.CircuitBreakerResetTimeout = 30 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}

	cb := resilience.NewCircuitBreaker("gemini", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout).
		WithObserver(func(name string, state resilience.CircuitState, failed bool) {
			observability.UpdateCircuitBreakerState(name, int(state))
			if failed {
				observability.IncrementCircuitBreakerFailures(name)
			}
		})

	return &GeminiClient{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: cb,
		logger:         logger.With().Str("component", "gemini").Str("model", cfg.Model).Logger(),
	}, nil
}

// Classify asks the model for a JSON object whose destination is one of labels.
// The response schema enum constrains decoding; callers still validate.
func (c *GeminiClient) Classify(ctx context.Context, labels []string, prompt Prompt) (string, error) {
	req := c.buildRequest(prompt)
	deterministic := 0.0
	req.GenerationConfig.Temperature = &deterministic
	req.GenerationConfig.ResponseMIMEType = "application/json"
	req.GenerationConfig.ResponseSchema = &geminiSchema{
		Type: "OBJECT",
		Properties: map[string]*geminiSchema{
			"destination": {Type: "STRING", Enum: labels},
		},
		Required: []string{"destination"},
	}

	started := time.Now()
	text, err := c.generate(ctx, req)
	observability.RecordTextServiceCall("classify", started, err == nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClassificationFailure, err)
	}
	return text, nil
}

// Generate produces free-form text for the prompt
func (c *GeminiClient) Generate(ctx context.Context, prompt Prompt) (string, error) {
	started := time.Now()
	text, err := c.generate(ctx, c.buildRequest(prompt))
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("empty completion")
	}
	observability.RecordTextServiceCall("generate", started, err == nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailure, err)
	}
	return text, nil
}

// Ping reports whether the configured model is reachable
func (c *GeminiClient) Ping(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/models/%s", c.cfg.Endpoint, c.cfg.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, &resilience.StatusError{Service: "gemini", StatusCode: resp.StatusCode}
	}
	return true, nil
}

func (c *GeminiClient) buildRequest(prompt Prompt) geminiGenerateRequest {
	req := geminiGenerateRequest{Contents: []geminiContent{}}

	if prompt.Instruction != "" {
		req.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: prompt.Instruction}},
		}
	}

	for _, msg := range prompt.History {
		req.Contents = append(req.Contents, toGeminiContent(msg))
	}

	if prompt.Input != "" {
		req.Contents = append(req.Contents, geminiContent{
			Role:  "user",
			Parts: []geminiPart{{Text: prompt.Input}},
		})
	}

	return req
}

// toGeminiContent maps a conversation entry onto Gemini's user/model roles.
// Tool results are replayed as user-side context.
func toGeminiContent(msg conversation.Message) geminiContent {
	switch {
	case msg.IsAssistant():
		return geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Text}}}
	case msg.IsToolResult():
		return geminiContent{
			Role:  "user",
			Parts: []geminiPart{{Text: fmt.Sprintf("Result from tool %s:\n%s", msg.ToolName, msg.Text)}},
		}
	default:
		return geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Text}}}
	}
}

func (c *GeminiClient) generate(ctx context.Context, req geminiGenerateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var text string
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		return c.circuitBreaker.Call(func() error {
			var callErr error
			text, callErr = c.doGenerate(ctx, body)
			return callErr
		})
	}, c.cfg.Retry, resilience.IsRetryableNetworkError)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Gemini request failed")
		return "", err
	}
	return text, nil
}

func (c *GeminiClient) doGenerate(ctx context.Context, body []byte) (string, error) {
	// API key goes in a header so it never shows up in logged URLs
	url := fmt.Sprintf("%s/models/%s:generateContent", c.cfg.Endpoint, c.cfg.Model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", &resilience.StatusError{Service: "gemini", StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var geminiResp geminiGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(geminiResp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	var content strings.Builder
	candidate := geminiResp.Candidates[0]
	for _, part := range candidate.Content.Parts {
		content.WriteString(part.Text)
	}

	c.logger.Debug().
		Int("prompt_tokens", geminiResp.UsageMetadata.PromptTokenCount).
		Int("completion_tokens", geminiResp.UsageMetadata.CandidatesTokenCount).
		Str("finish_reason", candidate.FinishReason).
		Msg("Gemini completion received")

	return content.String(), nil
}

// Gemini API types
type geminiGenerateRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int           `json:"maxOutputTokens,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	ResponseMIMEType string        `json:"responseMimeType,omitempty"`
	ResponseSchema   *geminiSchema `json:"responseSchema,omitempty"`
}

type geminiSchema struct {
	Type       string                   `json:"type"`
	Enum       []string                 `json:"enum,omitempty"`
	Properties map[string]*geminiSchema `json:"properties,omitempty"`
	Required   []string                 `json:"required,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}
