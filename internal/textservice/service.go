// Package textservice defines the language capability the dispatcher consumes
// and provides a Gemini-backed implementation of it.
package textservice

import (
	"context"
	"errors"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
)

var (
	// ErrGenerationFailure is returned when no usable text could be produced
	ErrGenerationFailure = errors.New("text service: generation failed")

	// ErrClassificationFailure is returned when the classifier could not be reached
	// or produced no output at all
	ErrClassificationFailure = errors.New("text service: classification failed")
)

// Prompt is the input to a Text Service call.
// Instruction is a system-level instruction; History is replayed as turns.
// Input, when set, is sent as a final user turn after History.
type Prompt struct {
	Instruction string
	History     []conversation.Message
	Input       string
}

// Service is the Text Service boundary.
//
// Classify must answer with one of labels; the raw model output is returned so
// callers can validate it. Generate returns unconstrained text.
type Service interface {
	Classify(ctx context.Context, labels []string, prompt Prompt) (string, error)
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// Func adapts plain functions to Service, mostly for tests
type Func struct {
	ClassifyFunc func(ctx context.Context, labels []string, prompt Prompt) (string, error)
	GenerateFunc func(ctx context.Context, prompt Prompt) (string, error)
}

func (f Func) Classify(ctx context.Context, labels []string, prompt Prompt) (string, error) {
	if f.ClassifyFunc == nil {
		return "", ErrClassificationFailure
	}
	return f.ClassifyFunc(ctx, labels, prompt)
}

func (f Func) Generate(ctx context.Context, prompt Prompt) (string, error) {
	if f.GenerateFunc == nil {
		return "", ErrGenerationFailure
	}
	return f.GenerateFunc(ctx, prompt)
}
