// Package customers implements the customer record lookup backed by a Google Sheet.
package customers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"

	"github.com/lexiqai/dispatch-gateway/internal/resilience"
	"github.com/lexiqai/dispatch-gateway/internal/tools"
)

const (
	Name        = "query_google_sheet"
	Description = "Searches the 'customers' Google Sheet for a person by their 'Name' and returns their details."

	sheetsScope   = "https://www.googleapis.com/auth/spreadsheets.readonly"
	notFoundText  = "Error: The 'customers' spreadsheet was not found. Please ensure it has been shared with the service account email."
	failedText    = "An error occurred while reading the customers spreadsheet."
	missing       = "N/A"
	defaultSheets = "https://sheets.googleapis.com/v4"
)

// Config configures the Sheets client
type Config struct {
	CredentialsFile string // service account JSON
	SpreadsheetID   string
	Worksheet       string
	BaseURL         string
	Timeout         time.Duration
	Retry           *resilience.RetryConfig
}

// Client reads customer rows through the Sheets v4 values API
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// Record is one customer row keyed by header
type Record map[string]string

func (r Record) get(key string) string {
	if v := strings.TrimSpace(r[key]); v != "" {
		return v
	}
	return missing
}

// NewClient authenticates with the service account in cfg.CredentialsFile
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("google service account credentials not configured")
	}
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("customers spreadsheet id not configured")
	}

	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	jwtConfig, err := google.JWTConfigFromJSON(data, sheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	return NewClientWithHTTP(cfg, jwtConfig.Client(ctx), logger), nil
}

// NewClientWithHTTP uses an already authorised HTTP client
func NewClientWithHTTP(cfg Config, httpClient *http.Client, logger zerolog.Logger) *Client {
	if cfg.Worksheet == "" {
		cfg.Worksheet = "data"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultSheets
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	httpClient.Timeout = cfg.Timeout

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With().Str("tool", Name).Logger(),
	}
}

// Descriptor registers the client as a tool. The person's name is pulled from
// the question by extract.
func (c *Client) Descriptor(extract tools.ArgumentExtractor) tools.Descriptor {
	return tools.Descriptor{
		Name:        Name,
		Description: Description,
		Extract:     extract,
		Invoke:      c.Invoke,
	}
}

// Invoke looks up name and formats the matching customer
func (c *Client) Invoke(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)

	record, err := c.Find(ctx, name)
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return "", tools.Fail(Name, notFoundText, err)
		}
		return "", tools.Fail(Name, failedText, err)
	}
	if record == nil {
		return fmt.Sprintf("No customer found with the name: %s", name), nil
	}

	return Format(record), nil
}

// Find returns the row whose first column matches name, or nil
func (c *Client) Find(ctx context.Context, name string) (Record, error) {
	rows, err := c.values(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || name == "" {
		return nil, nil
	}

	headers := rows[0]
	for _, row := range rows[1:] {
		if len(row) == 0 || !strings.EqualFold(strings.TrimSpace(row[0]), name) {
			continue
		}
		record := make(Record, len(headers))
		for i, h := range headers {
			if i < len(row) {
				record[h] = row[i]
			}
		}
		return record, nil
	}

	return nil, nil
}

// Format renders a customer record
func Format(r Record) string {
	return fmt.Sprintf("Customer Details for: %s\n"+
		"- NPI: %s\n"+
		"- City: %s\n"+
		"- Specialty: %s\n"+
		"- Date Last Visit: %s\n"+
		"- Summary: %s\n"+
		"- Next Steps: %s",
		r.get("Name"),
		r.get("NPI"),
		r.get("City"),
		r.get("Specialty"),
		r.get("Date_Last_Visit"),
		r.get("Summary"),
		r.get("Next_Steps"),
	)
}

// Ping checks that the spreadsheet is readable
func (c *Client) Ping(ctx context.Context) (bool, error) {
	if _, err := c.values(ctx); err != nil {
		return false, err
	}
	return true, nil
}

type valueRange struct {
	Values [][]string `json:"values"`
}

func (c *Client) values(ctx context.Context) ([][]string, error) {
	endpoint := fmt.Sprintf("%s/spreadsheets/%s/values/%s",
		c.cfg.BaseURL, url.PathEscape(c.cfg.SpreadsheetID), url.PathEscape(c.cfg.Worksheet))

	var rows [][]string
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &resilience.StatusError{Service: "sheets", StatusCode: resp.StatusCode}
		}

		var body valueRange
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		rows = body.Values
		return nil
	}, c.cfg.Retry, resilience.IsRetryableNetworkError)
	if err != nil {
		c.logger.Warn().Err(err).Str("worksheet", c.cfg.Worksheet).Msg("Spreadsheet read failed")
		return nil, err
	}

	return rows, nil
}
