// Package search implements the DuckDuckGo web search tool.
package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/lexiqai/dispatch-gateway/internal/resilience"
	"github.com/lexiqai/dispatch-gateway/internal/tools"
)

const (
	Name        = "duckduckgo_search"
	Description = "A wrapper around DuckDuckGo Search. Useful for when you need to answer questions about current events."

	noResults  = "No results found."
	failedText = "The web search could not be completed right now."
	userAgent  = "Mozilla/5.0 (compatible; dispatch-gateway/1.0)"
)

// Config configures the search client
type Config struct {
	URL        string
	Region     string
	MaxResults int
	Timeout    time.Duration
	Retry      *resilience.RetryConfig
}

// Result is a single search hit
type Result struct {
	Title   string
	Snippet string
	URL     string
}

// Client queries the DuckDuckGo HTML endpoint
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a search client
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = "https://html.duckduckgo.com/html/"
	}
	if cfg.Region == "" {
		cfg.Region = "us-en"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("tool", Name).Logger(),
	}
}

// Descriptor registers the client as a tool. The latest user text is the query.
func (c *Client) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        Name,
		Description: Description,
		Extract:     tools.LatestUserText,
		Invoke:      c.Invoke,
	}
}

// Invoke runs a search and formats the results for the synthesizer
func (c *Client) Invoke(ctx context.Context, query string) (string, error) {
	results, err := c.Search(ctx, query)
	if err != nil {
		return "", tools.Fail(Name, failedText, err)
	}
	return Format(results), nil
}

// Search returns up to MaxResults hits for query
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}

	var results []Result
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		var searchErr error
		results, searchErr = c.search(ctx, query)
		return searchErr
	}, c.cfg.Retry, resilience.IsRetryableNetworkError)
	if err != nil {
		c.logger.Warn().Err(err).Str("query", query).Msg("Search failed")
		return nil, err
	}

	c.logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")
	return results, nil
}

func (c *Client) search(ctx context.Context, query string) ([]Result, error) {
	form := url.Values{}
	form.Set("q", query)
	form.Set("kl", c.cfg.Region)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &resilience.StatusError{Service: "duckduckgo", StatusCode: resp.StatusCode}
	}

	return parseResults(resp.Body, c.cfg.MaxResults)
}

// parseResults extracts hits from the DuckDuckGo HTML results page
func parseResults(r io.Reader, max int) ([]Result, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse results page: %w", err)
	}

	var results []Result
	doc.Find(".result").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if s.HasClass("result--ad") {
			return true
		}

		link := s.Find("a.result__a").First()
		title := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		if title == "" || href == "" {
			return true
		}

		results = append(results, Result{
			Title:   title,
			Snippet: strings.TrimSpace(s.Find(".result__snippet").First().Text()),
			URL:     resolveLink(href),
		})
		return len(results) < max
	})

	return results, nil
}

// resolveLink unwraps DuckDuckGo redirect links to the target URL
func resolveLink(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

// Format renders results in the numbered block format
func Format(results []Result) string {
	if len(results) == 0 {
		return noResults
	}

	blocks := make([]string, 0, len(results))
	for i, r := range results {
		blocks = append(blocks, fmt.Sprintf("Result %d:\nTitle: %s\nSnippet: %s\nURL: %s\n---", i+1, r.Title, r.Snippet, r.URL))
	}
	return strings.Join(blocks, "\n")
}
