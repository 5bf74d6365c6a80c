package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/textservice"
)

// ErrNoQuestion is returned by extractors when the history has no user message
var ErrNoQuestion = errors.New("no user message to extract an argument from")

// ArgumentExtractor reduces a conversation to the single argument of a tool.
// Extract shares the tool's time budget and must honour ctx.
type ArgumentExtractor interface {
	Extract(ctx context.Context, history conversation.History) (string, error)
}

// ExtractorFunc adapts a function to ArgumentExtractor
type ExtractorFunc func(ctx context.Context, history conversation.History) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, history conversation.History) (string, error) {
	return f(ctx, history)
}

// LatestUserText passes the most recent user utterance through verbatim
var LatestUserText ArgumentExtractor = ExtractorFunc(func(ctx context.Context, history conversation.History) (string, error) {
	msg, ok := history.LastUser()
	if !ok {
		return "", ErrNoQuestion
	}
	return msg.Text, nil
})

// NoArgument is used by tools that take no input
var NoArgument ArgumentExtractor = ExtractorFunc(func(context.Context, conversation.History) (string, error) {
	return "", nil
})

// PromptRenderer renders an extraction prompt for a question
type PromptRenderer func(question string) (string, error)

// TextServiceExtractor asks the Text Service to pull the argument out of the
// latest user message, e.g. a ticker symbol or a person's name.
type TextServiceExtractor struct {
	Service textservice.Service
	Render  PromptRenderer
}

// Extract implements ArgumentExtractor
func (e TextServiceExtractor) Extract(ctx context.Context, history conversation.History) (string, error) {
	msg, ok := history.LastUser()
	if !ok {
		return "", ErrNoQuestion
	}

	prompt, err := e.Render(msg.Text)
	if err != nil {
		return "", err
	}

	out, err := e.Service.Generate(ctx, textservice.Prompt{Input: prompt})
	if err != nil {
		return "", fmt.Errorf("extract argument: %w", err)
	}

	arg := cleanArgument(out)
	if arg == "" {
		return "", errors.New("extract argument: empty result")
	}
	return arg, nil
}

// cleanArgument keeps the first line of a model answer without quotes or
// trailing punctuation.
func cleanArgument(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`*")
	s = strings.TrimRight(s, ".")
	return strings.TrimSpace(s)
}
