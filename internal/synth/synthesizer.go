// Package synth produces the assistant reply that closes a turn.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/prompts"
	"github.com/lexiqai/dispatch-gateway/internal/textservice"
)

// ErrEmptyHistory is returned when there is nothing to respond to
var ErrEmptyHistory = errors.New("synth: empty history")

// Synthesizer turns a conversation into one assistant message
type Synthesizer struct {
	service textservice.Service
	prompts *prompts.Set
	logger  zerolog.Logger
}

// New creates a synthesizer
func New(service textservice.Service, set *prompts.Set, logger zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		service: service,
		prompts: set,
		logger:  logger.With().Str("component", "synthesizer").Logger(),
	}
}

// Respond generates the reply for history. When the last entry is a tool
// result the reply is built from that result and the user question that led
// to it; otherwise the whole history is used.
func (s *Synthesizer) Respond(ctx context.Context, history conversation.History) (conversation.Message, error) {
	last, ok := history.Last()
	if !ok {
		return conversation.Message{}, ErrEmptyHistory
	}

	var prompt textservice.Prompt
	if last.IsToolResult() {
		question := ""
		if msg, found := history.LastUser(); found {
			question = msg.Text
		}

		instruction, err := s.prompts.Synthesis(question, last.Text)
		if err != nil {
			return conversation.Message{}, err
		}
		prompt = textservice.Prompt{Input: instruction}

		s.logger.Debug().Str("tool", last.ToolName).Msg("Synthesizing tool result")
	} else {
		prompt = textservice.Prompt{History: history.Entries()}
	}

	text, err := s.service.Generate(ctx, prompt)
	if err != nil {
		if !errors.Is(err, textservice.ErrGenerationFailure) {
			err = fmt.Errorf("%w: %w", textservice.ErrGenerationFailure, err)
		}
		return conversation.Message{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Message{}, fmt.Errorf("%w: empty reply", textservice.ErrGenerationFailure)
	}

	return conversation.NewAssistantMessage(text), nil
}
