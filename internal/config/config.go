package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Session store backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all configuration for the dispatch gateway service
type Config struct {
	// Server configuration
	Port        string `envconfig:"PORT" default:"8000"`
	GRPCPort    string `envconfig:"GRPC_PORT" default:"50051"`
	GRPCEnabled bool   `envconfig:"GRPC_ENABLED" default:"true"`

	// Text Service (Gemini) configuration
	GoogleAPIKey       string        `envconfig:"GOOGLE_API_KEY" required:"true"`
	GeminiModel        string        `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	GeminiEndpoint     string        `envconfig:"GEMINI_ENDPOINT" default:"https://generativelanguage.googleapis.com/v1beta"`
	TextServiceTimeout time.Duration `envconfig:"TEXT_SERVICE_TIMEOUT" default:"30s"`

	// Tool configuration
	AlphaVantageAPIKey           string        `envconfig:"ALPHAVANTAGE_API_KEY"`
	AlphaVantageURL              string        `envconfig:"ALPHAVANTAGE_URL" default:"https://www.alphavantage.co/query"`
	GoogleApplicationCredentials string        `envconfig:"GOOGLE_APPLICATION_CREDENTIALS"` // service account JSON for Sheets
	CustomersSpreadsheetID       string        `envconfig:"CUSTOMERS_SPREADSHEET_ID"`
	CustomersWorksheet           string        `envconfig:"CUSTOMERS_WORKSHEET" default:"data"`
	SearchURL                    string        `envconfig:"SEARCH_URL" default:"https://html.duckduckgo.com/html/"`
	SearchRegion                 string        `envconfig:"SEARCH_REGION" default:"us-en"`
	SearchMaxResults             int           `envconfig:"SEARCH_MAX_RESULTS" default:"5"`
	ToolTimeout                  time.Duration `envconfig:"TOOL_TIMEOUT" default:"20s"`

	// Session store configuration
	SessionBackend string        `envconfig:"SESSION_BACKEND" default:"memory"` // memory, sqlite, redis
	SQLitePath     string        `envconfig:"SQLITE_PATH" default:"data/sessions.db"`
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	SessionTTL     time.Duration `envconfig:"SESSION_TTL" default:"0s"` // 0 keeps sessions forever (redis only)
	SessionLockTTL time.Duration `envconfig:"SESSION_LOCK_TTL" default:"0s"` // redis lock lease; 0 derives it from TURN_TIMEOUT

	// Turn handling
	TurnTimeout time.Duration `envconfig:"TURN_TIMEOUT" default:"60s"` // 0 disables the bound
	PromptsFile string        `envconfig:"PROMPTS_FILE" default:""` // optional YAML prompt overrides

	// Voice channel (disabled when DEEPGRAM_API_KEY is empty)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	VoiceEncoding    string `envconfig:"VOICE_ENCODING" default:"linear16"` // linear16, mulaw
	VoiceSampleRate  int    `envconfig:"VOICE_SAMPLE_RATE" default:"16000"`

	// Resilience configuration (capability clients only)
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field rules envconfig cannot express
func (c *Config) Validate() error {
	if c.GoogleAPIKey == "" {
		return fmt.Errorf("GOOGLE_API_KEY is required")
	}

	switch c.SessionBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("SESSION_BACKEND must be one of memory, sqlite, redis (got %q)", c.SessionBackend)
	}

	if c.SessionBackend == BackendSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required for the sqlite session backend")
	}

	switch c.VoiceEncoding {
	case "linear16", "mulaw":
	default:
		return fmt.Errorf("VOICE_ENCODING must be linear16 or mulaw (got %q)", c.VoiceEncoding)
	}

	if c.TurnTimeout < 0 {
		return fmt.Errorf("TURN_TIMEOUT must not be negative")
	}

	if c.SessionLockTTL < 0 {
		return fmt.Errorf("SESSION_LOCK_TTL must not be negative")
	}
	if c.SessionLockTTL > 0 && c.TurnTimeout > 0 && c.SessionLockTTL <= c.TurnTimeout {
		return fmt.Errorf("SESSION_LOCK_TTL (%s) must exceed TURN_TIMEOUT (%s)", c.SessionLockTTL, c.TurnTimeout)
	}

	if c.SearchMaxResults <= 0 {
		return fmt.Errorf("SEARCH_MAX_RESULTS must be positive")
	}

	return nil
}

// HTTPWriteTimeout returns the HTTP server write timeout. Writes must
// outlive a full turn, so an unbounded turn gets no write timeout.
func (c *Config) HTTPWriteTimeout() time.Duration {
	if c.TurnTimeout <= 0 {
		return 0
	}
	return c.TurnTimeout + 5*time.Second
}

// LockLease returns the lease on a shared session lock
func (c *Config) LockLease() time.Duration {
	switch {
	case c.SessionLockTTL > 0:
		return c.SessionLockTTL
	case c.TurnTimeout > 0:
		return c.TurnTimeout + 30*time.Second
	default:
		return 10 * time.Minute
	}
}

// VoiceEnabled reports whether the voice channel can be served
func (c *Config) VoiceEnabled() bool {
	return c.DeepgramAPIKey != ""
}

// CircuitBreakerReset returns the circuit breaker reset timeout as a duration
func (c *Config) CircuitBreakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// RetryBackoff returns the initial retry backoff as a duration
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryInitialBackoff) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
