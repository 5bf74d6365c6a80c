package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/textservice"
)

func history(t *testing.T, msgs ...conversation.Message) conversation.History {
	t.Helper()
	h, err := conversation.NewHistory(msgs...)
	require.NoError(t, err)
	return h
}

func TestLatestUserText(t *testing.T) {
	h := history(t,
		conversation.NewUserMessage("first"),
		conversation.NewAssistantMessage("reply"),
		conversation.NewUserMessage("latest question"),
	)

	arg, err := LatestUserText.Extract(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "latest question", arg)

	_, err = LatestUserText.Extract(context.Background(), history(t))
	assert.ErrorIs(t, err, ErrNoQuestion)
}

func TestNoArgument(t *testing.T) {
	arg, err := NoArgument.Extract(context.Background(), history(t))
	require.NoError(t, err)
	assert.Empty(t, arg)
}

func TestTextServiceExtractor(t *testing.T) {
	var gotInput string
	svc := textservice.Func{GenerateFunc: func(ctx context.Context, p textservice.Prompt) (string, error) {
		gotInput = p.Input
		return "  \"NVDA\".\nextra line", nil
	}}

	e := TextServiceExtractor{
		Service: svc,
		Render:  func(q string) (string, error) { return "extract from: " + q, nil },
	}

	arg, err := e.Extract(context.Background(), history(t, conversation.NewUserMessage("How is Nvidia doing?")))
	require.NoError(t, err)
	assert.Equal(t, "NVDA", arg)
	assert.Equal(t, "extract from: How is Nvidia doing?", gotInput)
}

func TestTextServiceExtractor_Failures(t *testing.T) {
	failing := TextServiceExtractor{
		Service: textservice.Func{GenerateFunc: func(ctx context.Context, p textservice.Prompt) (string, error) {
			return "", textservice.ErrGenerationFailure
		}},
		Render: func(q string) (string, error) { return q, nil },
	}
	_, err := failing.Extract(context.Background(), history(t, conversation.NewUserMessage("q")))
	assert.True(t, errors.Is(err, textservice.ErrGenerationFailure))

	blank := TextServiceExtractor{
		Service: textservice.Func{GenerateFunc: func(ctx context.Context, p textservice.Prompt) (string, error) {
			return "  ", nil
		}},
		Render: func(q string) (string, error) { return q, nil },
	}
	_, err = blank.Extract(context.Background(), history(t, conversation.NewUserMessage("q")))
	assert.Error(t, err)
}
