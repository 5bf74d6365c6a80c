package router

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/prompts"
	"github.com/lexiqai/dispatch-gateway/internal/textservice"
	"github.com/lexiqai/dispatch-gateway/internal/tools"
)

func testRegistry(t *testing.T, names ...string) *tools.Registry {
	t.Helper()
	descs := make([]tools.Descriptor, 0, len(names))
	for _, name := range names {
		descs = append(descs, tools.Descriptor{
			Name:        name,
			Description: "does " + name,
			Extract:     tools.NoArgument,
			Invoke:      func(context.Context, string) (string, error) { return "", nil },
		})
	}
	r, err := tools.NewRegistry(descs...)
	require.NoError(t, err)
	return r
}

func newTestRouter(t *testing.T, classify func(ctx context.Context, labels []string, p textservice.Prompt) (string, error)) *Router {
	t.Helper()
	reg := testRegistry(t, "duckduckgo_search", "get_stock_price", "get_current_time", "query_google_sheet")
	r, err := New(reg, textservice.Func{ClassifyFunc: classify}, prompts.Default(), zerolog.Nop())
	require.NoError(t, err)
	return r
}

func userHistory(t *testing.T, texts ...string) conversation.History {
	t.Helper()
	var h conversation.History
	for _, text := range texts {
		var err error
		h, err = h.Append(conversation.NewUserMessage(text))
		require.NoError(t, err)
	}
	return h
}

func TestDecision(t *testing.T) {
	assert.True(t, DirectAnswer().IsDirect())
	assert.Equal(t, "direct", DirectAnswer().String())
	assert.True(t, Decision{}.IsDirect())

	d := ToolCall("get_current_time")
	name, ok := d.Tool()
	assert.True(t, ok)
	assert.Equal(t, "get_current_time", name)
	assert.Equal(t, "get_current_time", d.String())
}

func TestParse(t *testing.T) {
	r := newTestRouter(t, nil)

	tests := []struct {
		name string
		raw  string
		want Decision
	}{
		{"json tool", `{"destination": "get_stock_price"}`, ToolCall("get_stock_price")},
		{"json direct", `{"destination": "direct"}`, DirectAnswer()},
		{"legacy chatbot", `{"destination": "chatbot"}`, DirectAnswer()},
		{"code fence", "```json\n{\"destination\": \"get_current_time\"}\n```", ToolCall("get_current_time")},
		{"surrounding prose", "json output:\n{\"destination\": \"duckduckgo_search\"}", ToolCall("duckduckgo_search")},
		{"case insensitive", `{"destination": "Get_Stock_Price"}`, ToolCall("get_stock_price")},
		{"bare label", "query_google_sheet", ToolCall("query_google_sheet")},
		{"bare quoted label", `"get_current_time".`, ToolCall("get_current_time")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	r := newTestRouter(t, nil)

	for _, raw := range []string{
		``,
		`{"destination": "get_weather"}`,
		`{"destination": 42}`,
		`{"route": "direct"}`,
		`{"destination": "direct"`,
		`I think you should search the web`,
	} {
		_, err := r.Parse(raw)
		assert.Truef(t, errors.Is(err, ErrUnroutableQuestion), "raw %q: got %v", raw, err)
	}
}

func TestDecide_UsesLatestUserMessage(t *testing.T) {
	var gotLabels []string
	var gotPrompt textservice.Prompt
	r := newTestRouter(t, func(ctx context.Context, labels []string, p textservice.Prompt) (string, error) {
		gotLabels, gotPrompt = labels, p
		return `{"destination": "get_current_time"}`, nil
	})

	d, err := r.Decide(context.Background(), userHistory(t, "What's AAPL?", "What time is it?"))
	require.NoError(t, err)
	assert.Equal(t, ToolCall("get_current_time"), d)

	assert.Equal(t, []string{"duckduckgo_search", "get_stock_price", "get_current_time", "query_google_sheet", "direct"}, gotLabels)
	assert.Equal(t, "user question: What time is it?", gotPrompt.Input)
	assert.Contains(t, gotPrompt.Instruction, "- get_stock_price: does get_stock_price")
	assert.Contains(t, gotPrompt.Instruction, "- direct: Responds to general questions and conversation.")
}

func TestDecide_Closure(t *testing.T) {
	outputs := []string{
		`{"destination": "get_current_time"}`,
		`{"destination": "teleport"}`,
		`garbage output here`,
		`{"destination": "chatbot"}`,
		`DUCKDUCKGO_SEARCH`,
	}

	for _, out := range outputs {
		out := out
		r := newTestRouter(t, func(context.Context, []string, textservice.Prompt) (string, error) { return out, nil })

		d, err := r.Decide(context.Background(), userHistory(t, "hello"))
		if err != nil {
			assert.ErrorIs(t, err, ErrUnroutableQuestion)
			continue
		}
		assert.Contains(t, r.Labels(), d.String())
	}
}

func TestDecide_ClassifierFailureIsUnroutable(t *testing.T) {
	r := newTestRouter(t, func(context.Context, []string, textservice.Prompt) (string, error) {
		return "", textservice.ErrClassificationFailure
	})

	_, err := r.Decide(context.Background(), userHistory(t, "hello"))
	assert.ErrorIs(t, err, ErrUnroutableQuestion)
	assert.ErrorIs(t, err, textservice.ErrClassificationFailure)
}

func TestDecide_NoUserMessage(t *testing.T) {
	r := newTestRouter(t, nil)
	_, err := r.Decide(context.Background(), conversation.History{})
	assert.ErrorIs(t, err, ErrNoUserMessage)
}

func TestNew_RejectsReservedToolName(t *testing.T) {
	for _, name := range []string{"direct", "Direct", "DIRECT", "chatbot", "ChatBot"} {
		t.Run(name, func(t *testing.T) {
			_, err := New(testRegistry(t, "get_current_time", name), textservice.Func{}, prompts.Default(), zerolog.Nop())
			assert.ErrorContains(t, err, "reserved")
		})
	}
}
