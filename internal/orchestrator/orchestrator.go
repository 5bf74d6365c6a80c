// Package orchestrator sequences routing, dispatch and synthesis for one
// conversation turn and persists the result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/observability"
	"github.com/lexiqai/dispatch-gateway/internal/router"
	"github.com/lexiqai/dispatch-gateway/internal/session"
	"github.com/lexiqai/dispatch-gateway/internal/textservice"
	"github.com/lexiqai/dispatch-gateway/internal/tools"
)

// ErrInvalidInput is returned for an empty session id or user text
var ErrInvalidInput = errors.New("invalid input")

// Orchestrator runs turns against persisted sessions
type Orchestrator struct {
	sessions    *session.Manager
	router      Router
	dispatcher  Dispatcher
	synthesizer Synthesizer
	turnTimeout time.Duration
	logger      zerolog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithTurnTimeout bounds the duration of a turn. Zero disables the bound.
func WithTurnTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) { o.turnTimeout = timeout }
}

// New creates an orchestrator from its collaborators
func New(sessions *session.Manager, r Router, d Dispatcher, s Synthesizer, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:    sessions,
		router:      r,
		dispatcher:  d,
		synthesizer: s,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleTurn appends text to the session, answers it and persists the
// session. Either the whole turn is saved or the session is left unchanged.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, text string) (*TurnResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	text = strings.TrimSpace(text)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}

	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.turnTimeout)
		defer cancel()
	}

	logger := o.logger.With().
		Str("session_id", sessionID).
		Str("correlation_id", observability.NewCorrelationID()).
		Logger()
	metrics := observability.NewTurnMetrics(sessionID)

	result := &TurnResult{SessionID: sessionID}
	sess, err := o.sessions.WithSession(ctx, sessionID, func(s *session.Session) error {
		return o.runTurn(ctx, logger, metrics, s, text, result)
	})
	if err != nil {
		outcome := classify(err)
		metrics.RecordError(outcome, "orchestrator")
		metrics.RecordTurnEnd(outcome)
		logger.Error().Err(err).Str("outcome", outcome).Msg("Turn failed")
		return nil, err
	}

	result.HistoryLen = sess.History.Len()
	metrics.RecordTurnEnd("success")
	logger.Info().
		Str("destination", result.Destination).
		Bool("fell_back", result.FellBack).
		Int("history_len", result.HistoryLen).
		Msg("Turn completed")

	return result, nil
}

// runTurn mutates s in place; the session manager discards s on error.
func (o *Orchestrator) runTurn(ctx context.Context, logger zerolog.Logger, metrics *observability.TurnMetrics, s *session.Session, text string, result *TurnResult) error {
	state := StateIdle
	transition := func(next State) {
		logger.Debug().Str("from", state.String()).Str("state", next.String()).Msg("Turn state changed")
		state = next
	}

	if err := appendTo(s, conversation.NewUserMessage(text)); err != nil {
		return err
	}
	transition(StateRouting)

	decision, err := o.router.Decide(ctx, s.History)
	if err != nil {
		if !errors.Is(err, router.ErrUnroutableQuestion) {
			return fmt.Errorf("route question: %w", err)
		}
		logger.Warn().Err(err).Msg("Question could not be routed, answering directly")
		decision = router.DirectAnswer()
		result.FellBack = true
	}
	s.SetPendingDestination(decision.String())
	result.Destination = decision.String()
	metrics.RecordDecision(decision.String(), result.FellBack)

	if tool, ok := decision.Tool(); ok {
		transition(StateDispatching)
		metrics.RecordToolStart()

		outcome, err := o.dispatcher.Invoke(ctx, tool, s.History)
		if err != nil {
			metrics.RecordToolEnd(tool, false)
			return fmt.Errorf("dispatch %s: %w", tool, err)
		}
		metrics.RecordToolEnd(tool, !outcome.Failed())

		if err := appendTo(s, outcome.Message); err != nil {
			return err
		}
		result.ToolCall = &ToolCall{
			ToolName: tool,
			CallID:   outcome.Message.CallID,
			Argument: outcome.Argument,
			Success:  !outcome.Failed(),
		}
	}

	transition(StateSynthesizing)
	reply, err := o.synthesizer.Respond(ctx, s.History)
	if err != nil {
		return fmt.Errorf("synthesize reply: %w", err)
	}
	if err := appendTo(s, reply); err != nil {
		return err
	}
	result.Reply = reply.Text

	transition(StateIdle)
	return nil
}

// History returns the persisted session without running a turn
func (o *Orchestrator) History(ctx context.Context, sessionID string) (*session.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return o.sessions.Get(ctx, sessionID)
}

func appendTo(s *session.Session, msg conversation.Message) error {
	h, err := s.History.Append(msg)
	if err != nil {
		return fmt.Errorf("append %s message: %w", msg.Role, err)
	}
	s.History = h
	return nil
}

// classify maps a turn error onto a metrics outcome label
func classify(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, session.ErrInvalidID):
		return "invalid_input"
	case errors.Is(err, textservice.ErrGenerationFailure):
		return "generation_failure"
	case errors.Is(err, session.ErrStoreFailure):
		return "store_failure"
	case errors.Is(err, tools.ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal_error"
	}
}
