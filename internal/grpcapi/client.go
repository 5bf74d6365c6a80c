package grpcapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/dispatch-gateway/internal/observability"
	"github.com/lexiqai/dispatch-gateway/internal/resilience"
)

// ClientConfig configures a Client
type ClientConfig struct {
	Target                     string
	Timeout                    time.Duration
	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
	Retry                      *resilience.RetryConfig
}

// TurnReply is the decoded response of a HandleTurn call
type TurnReply struct {
	SessionID   string
	Response    string
	Destination string
	FellBack    bool
}

// Client calls a remote Conversation service
type Client struct {
	config         ClientConfig
	logger         zerolog.Logger
	circuitBreaker *resilience.CircuitBreaker

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

// NewClient creates a client for the Conversation service at cfg.Target.
// Extra dial options are appended after the defaults.
func NewClient(cfg ClientConfig, logger zerolog.Logger, extra ...grpc.DialOption) (*Client, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("grpc target is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.CircuitBreakerResetTimeout <= 0 {
		cfg.CircuitBreakerResetTimeout = 30 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// Keepalive settings for long-lived connections
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", cfg.Target, err)
	}

	breaker := resilience.NewCircuitBreaker("conversation", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout).
		WithObserver(func(name string, state resilience.CircuitState, failed bool) {
			observability.UpdateCircuitBreakerState(name, int(state))
			if failed {
				observability.IncrementCircuitBreakerFailures(name)
			}
		})

	return &Client{
		config:         cfg,
		logger:         logger.With().Str("component", "grpc_client").Str("target", cfg.Target).Logger(),
		circuitBreaker: breaker,
		conn:           conn,
	}, nil
}

// HandleTurn sends one user message to the remote service
func (c *Client) HandleTurn(ctx context.Context, sessionID, query string) (*TurnReply, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"session_id": sessionID,
		"query":      query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp := new(structpb.Struct)
	err = c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			conn, err := c.connection()
			if err != nil {
				return err
			}
			return conn.Invoke(ctx, handleTurnMethod, req, resp)
		}, c.config.Retry, isRetryableStatus)
	})
	if err != nil {
		return nil, fmt.Errorf("HandleTurn failed: %w", err)
	}

	return &TurnReply{
		SessionID:   stringField(resp, "session_id"),
		Response:    stringField(resp, "response"),
		Destination: stringField(resp, "destination"),
		FellBack:    resp.GetFields()["fell_back"].GetBoolValue(),
	}, nil
}

// HealthCheck reports whether the remote Conversation service is serving
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	conn, err := c.connection()
	if err != nil {
		return false, err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, fmt.Errorf("grpc client is closed")
	}
	return c.conn, nil
}

// isRetryableStatus retries only transient transport conditions
func isRetryableStatus(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
