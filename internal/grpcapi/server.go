package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/dispatch-gateway/internal/orchestrator"
	"github.com/lexiqai/dispatch-gateway/internal/session"
	"github.com/lexiqai/dispatch-gateway/internal/textservice"
)

// TurnHandler runs one conversation turn
type TurnHandler interface {
	HandleTurn(ctx context.Context, sessionID, text string) (*orchestrator.TurnResult, error)
}

// Server implements ConversationServer on top of a TurnHandler
type Server struct {
	turns  TurnHandler
	logger zerolog.Logger
}

// NewServer creates the gRPC conversation service
func NewServer(turns TurnHandler, logger zerolog.Logger) *Server {
	return &Server{
		turns:  turns,
		logger: logger.With().Str("component", "grpcapi").Logger(),
	}
}

// NewGRPCServer builds a grpc.Server with request logging and registers the
// conversation and health services on it.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(srv.logUnary))
	grpcServer := grpc.NewServer(opts...)
	return grpcServer, Register(grpcServer, srv)
}

// Register registers the conversation service and a health service reporting it as serving
func Register(registrar grpc.ServiceRegistrar, srv *Server) *health.Server {
	registrar.RegisterService(&ConversationServiceDesc, srv)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(registrar, healthServer)
	return healthServer
}

// HandleTurn runs one turn for the session named in the request
func (s *Server) HandleTurn(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	query := strings.TrimSpace(stringField(req, "query"))
	if query == "" {
		return nil, status.Error(codes.InvalidArgument, "query is required")
	}

	sessionID := strings.TrimSpace(stringField(req, "session_id"))
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	result, err := s.turns.HandleTurn(ctx, sessionID, query)
	if err != nil {
		code, message := CodeFor(err)
		if code != codes.InvalidArgument {
			s.logger.Error().Err(err).Str("session_id", sessionID).Str("code", code.String()).Msg("Turn failed")
		}
		return nil, status.Error(code, message)
	}

	return structpb.NewStruct(map[string]interface{}{
		"session_id":  result.SessionID,
		"response":    result.Reply,
		"destination": result.Destination,
		"fell_back":   result.FellBack,
	})
}

// CodeFor maps a turn error onto a gRPC status code and a client-facing message
func CodeFor(err error) (codes.Code, string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput), errors.Is(err, session.ErrInvalidID):
		return codes.InvalidArgument, err.Error()
	case errors.Is(err, textservice.ErrGenerationFailure):
		return codes.Internal, "the assistant could not produce a reply"
	case errors.Is(err, session.ErrStoreFailure):
		return codes.Unavailable, "conversation storage is unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded, "the request timed out"
	case errors.Is(err, context.Canceled):
		return codes.Canceled, "the request was cancelled"
	default:
		return codes.Internal, "internal error"
	}
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug().
		Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("gRPC request")
	return resp, err
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}
