// Package market implements the stock price tool backed by Alpha Vantage.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/dispatch-gateway/internal/observability"
	"github.com/lexiqai/dispatch-gateway/internal/resilience"
	"github.com/lexiqai/dispatch-gateway/internal/tools"
)

const (
	Name        = "get_stock_price"
	Description = "Gets the latest stock price for a given ticker using Alpha Vantage."

	invalidTicker = "Could not retrieve the stock price. The ticker may be invalid."
	failedText    = "An error occurred while retrieving the stock price."
)

// Config configures the Alpha Vantage client
type Config struct {
	APIKey  string
	URL     string
	Timeout time.Duration

	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
	Retry                      *resilience.RetryConfig
}

// Client fetches quotes from the GLOBAL_QUOTE endpoint
type Client struct {
	cfg            Config
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

type globalQuoteResponse struct {
	GlobalQuote map[string]string `json:"Global Quote"`
	Note        string            `json:"Note"`
	Information string            `json:"Information"`
	ErrorMsg    string            `json:"Error Message"`
}

// NewClient creates an Alpha Vantage client
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = "https://www.alphavantage.co/query"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
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

	cb := resilience.NewCircuitBreaker("alphavantage", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout).
		WithObserver(func(name string, state resilience.CircuitState, failed bool) {
			observability.UpdateCircuitBreakerState(name, int(state))
			if failed {
				observability.IncrementCircuitBreakerFailures(name)
			}
		})

	return &Client{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: cb,
		logger:         logger.With().Str("tool", Name).Logger(),
	}
}

// Descriptor registers the client as a tool. The ticker is pulled from the
// question by extract.
func (c *Client) Descriptor(extract tools.ArgumentExtractor) tools.Descriptor {
	return tools.Descriptor{
		Name:        Name,
		Description: Description,
		Extract:     extract,
		Invoke:      c.Invoke,
	}
}

// Invoke returns a sentence with the latest price of ticker
func (c *Client) Invoke(ctx context.Context, ticker string) (string, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return invalidTicker, nil
	}

	price, err := c.Quote(ctx, ticker)
	if err != nil {
		return "", tools.Fail(Name, failedText, err)
	}
	if price == "" {
		return invalidTicker, nil
	}
	return fmt.Sprintf("The current price of %s is $%s.", ticker, price), nil
}

// Quote returns the raw "05. price" field for ticker, or "" when the symbol is unknown
func (c *Client) Quote(ctx context.Context, ticker string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("alpha vantage API key not configured")
	}

	var price string
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return c.circuitBreaker.Call(func() error {
			var quoteErr error
			price, quoteErr = c.quote(ctx, ticker)
			return quoteErr
		})
	}, c.cfg.Retry, resilience.IsRetryableNetworkError)
	if err != nil {
		c.logger.Warn().Err(err).Str("ticker", ticker).Msg("Quote lookup failed")
		return "", err
	}
	return price, nil
}

func (c *Client) quote(ctx context.Context, ticker string) (string, error) {
	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", ticker)
	params.Set("apikey", c.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &resilience.StatusError{Service: "alphavantage", StatusCode: resp.StatusCode}
	}

	var body globalQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	// Throttling is reported in-band with a 200
	if body.Note != "" {
		return "", resilience.NewRetryableError(fmt.Errorf("alpha vantage rate limit: %s", body.Note))
	}
	if body.Information != "" {
		return "", fmt.Errorf("alpha vantage: %s", body.Information)
	}
	if body.ErrorMsg != "" {
		return "", nil
	}

	return body.GlobalQuote["05. price"], nil
}
