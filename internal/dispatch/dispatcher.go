// Package dispatch invokes a routed tool and records its result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/tools"
)

// Outcome is the result of one dispatch. Message is always a tool result;
// Failure is set when the text in Message describes a failure.
type Outcome struct {
	Message  conversation.Message
	Argument string
	Failure  error
	Duration time.Duration
}

// Failed reports whether the tool failed
func (o Outcome) Failed() bool { return o.Failure != nil }

// Dispatcher runs tools from a registry
type Dispatcher struct {
	registry  *tools.Registry
	timeout   time.Duration
	newCallID func() string
	logger    zerolog.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithTimeout bounds each tool call, argument extraction included.
// Zero disables the bound. Extractors and tools must honour ctx for the
// bound to take effect.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithCallIDs overrides call id generation
func WithCallIDs(next func() string) Option {
	return func(d *Dispatcher) { d.newCallID = next }
}

// New creates a dispatcher
func New(registry *tools.Registry, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		newCallID: func() string { return uuid.New().String() },
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Invoke extracts the argument for destination from history, runs the tool
// and wraps its output in a tool result message. Tool failures are folded
// into the message text; only an unknown destination is returned as an error.
func (d *Dispatcher) Invoke(ctx context.Context, destination string, history conversation.History) (Outcome, error) {
	tool, err := d.registry.Get(destination)
	if err != nil {
		return Outcome{}, err
	}

	callID := d.newCallID()
	logger := d.logger.With().Str("tool", tool.Name).Str("call_id", callID).Logger()
	start := time.Now()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	arg, err := d.extract(ctx, tool, history)
	if err != nil {
		logger.Warn().Err(err).Msg("Argument extraction failed")
		text := fmt.Sprintf("Could not work out what to look up with %s from the question.", tool.Name)
		return d.outcome(tool.Name, callID, "", text, err, start), nil
	}

	text, err := d.run(ctx, tool, arg)
	if err != nil {
		logger.Warn().Err(err).Str("argument", arg).Msg("Tool invocation failed")
		return d.outcome(tool.Name, callID, arg, failureText(tool.Name, err), err, start), nil
	}

	if strings.TrimSpace(text) == "" {
		text = fmt.Sprintf("The %s tool returned no output.", tool.Name)
	}

	logger.Debug().Str("argument", arg).Dur("duration", time.Since(start)).Msg("Tool invocation completed")
	return d.outcome(tool.Name, callID, arg, text, nil, start), nil
}

func (d *Dispatcher) outcome(tool, callID, arg, text string, failure error, start time.Time) Outcome {
	return Outcome{
		Message:  conversation.NewToolResultMessage(tool, text, callID),
		Argument: arg,
		Failure:  failure,
		Duration: time.Since(start),
	}
}

func (d *Dispatcher) extract(ctx context.Context, tool tools.Descriptor, history conversation.History) (arg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("argument extractor panicked: %v", r)
		}
	}()
	arg, err = tool.Extract.Extract(ctx, history)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return arg, err
}

func (d *Dispatcher) run(ctx context.Context, tool tools.Descriptor, arg string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()

	text, err = tool.Invoke(ctx, arg)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return text, err
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("tool panicked: %v", e.value) }

// failureText turns a tool error into a sentence for the synthesizer
func failureText(tool string, err error) string {
	var failure *tools.CapabilityFailure
	var p *panicError
	switch {
	case errors.As(err, &failure) && failure.Message != "":
		return failure.Message
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("The %s tool did not respond in time.", tool)
	case errors.As(err, &p):
		return fmt.Sprintf("The %s tool failed unexpectedly.", tool)
	default:
		return fmt.Sprintf("An error occurred: %v", err)
	}
}
