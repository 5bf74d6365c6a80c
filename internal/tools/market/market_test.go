package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/dispatch-gateway/internal/resilience"
	"github.com/lexiqai/dispatch-gateway/internal/tools"
)

func newTestClient(url string) *Client {
	return NewClient(Config{
		APIKey:  "demo",
		URL:     url,
		Timeout: 2 * time.Second,
		Retry:   &resilience.RetryConfig{MaxAttempts: 1},
	}, zerolog.Nop())
}

func TestInvoke_Price(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "GLOBAL_QUOTE", q.Get("function"))
		assert.Equal(t, "AAPL", q.Get("symbol"))
		assert.Equal(t, "demo", q.Get("apikey"))
		fmt.Fprint(w, `{"Global Quote": {"01. symbol": "AAPL", "05. price": "190.0000"}}`)
	}))
	defer server.Close()

	out, err := newTestClient(server.URL).Invoke(context.Background(), " aapl ")
	require.NoError(t, err)
	assert.Equal(t, "The current price of AAPL is $190.0000.", out)
}

func TestInvoke_UnknownTicker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Global Quote": {}}`)
	}))
	defer server.Close()

	out, err := newTestClient(server.URL).Invoke(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Equal(t, "Could not retrieve the stock price. The ticker may be invalid.", out)
}

func TestInvoke_EmptyTicker(t *testing.T) {
	out, err := newTestClient("http://unused").Invoke(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, "Could not retrieve the stock price. The ticker may be invalid.", out)
}

func TestInvoke_UpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Invoke(context.Background(), "AAPL")

	var failure *tools.CapabilityFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, Name, failure.Tool)
}

func TestInvoke_RateLimitNote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Note": "Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute."}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Invoke(context.Background(), "AAPL")
	assert.True(t, resilience.IsRetryable(err))
}

func TestQuote_RequiresKey(t *testing.T) {
	client := NewClient(Config{URL: "http://unused"}, zerolog.Nop())
	_, err := client.Quote(context.Background(), "AAPL")
	assert.Error(t, err)
}
