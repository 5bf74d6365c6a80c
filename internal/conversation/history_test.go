package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_AppendDoesNotMutateReceiver(t *testing.T) {
	base, err := NewHistory(NewUserMessage("hi"), NewAssistantMessage("hello"))
	require.NoError(t, err)

	a, err := base.Append(NewUserMessage("first branch"))
	require.NoError(t, err)
	b, err := base.Append(NewUserMessage("second branch"))
	require.NoError(t, err)

	assert.Equal(t, 2, base.Len())
	assert.Equal(t, "first branch", a.At(2).Text)
	assert.Equal(t, "second branch", b.At(2).Text)
	assert.True(t, a.HasPrefix(base))
	assert.True(t, b.HasPrefix(base))
	assert.False(t, a.HasPrefix(b))
}

func TestHistory_ToolResultCannotComeFirst(t *testing.T) {
	var h History
	_, err := h.Append(NewToolResultMessage("get_current_time", "2024-01-01T00:00:00Z", "c1"))
	assert.ErrorIs(t, err, ErrOrphanToolResult)

	_, err = NewHistory(NewToolResultMessage("x", "y", "z"))
	assert.ErrorIs(t, err, ErrOrphanToolResult)
}

func TestHistory_UnknownRole(t *testing.T) {
	var h History
	_, err := h.Append(Message{Role: "system", Text: "nope"})
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestHistory_LastUser(t *testing.T) {
	h, err := NewHistory(
		NewUserMessage("What's MSFT?"),
		NewToolResultMessage("get_stock_price", "The current price of MSFT is $400.", "c1"),
		NewAssistantMessage("MSFT is at $400."),
		NewUserMessage("What's AAPL's price?"),
		NewToolResultMessage("get_stock_price", "The current price of AAPL is $190.00.", "c2"),
	)
	require.NoError(t, err)

	last, ok := h.Last()
	require.True(t, ok)
	assert.True(t, last.IsToolResult())

	user, ok := h.LastUser()
	require.True(t, ok)
	assert.Equal(t, "What's AAPL's price?", user.Text)

	_, ok = History{}.LastUser()
	assert.False(t, ok)
}

func TestHistory_EntriesIsACopy(t *testing.T) {
	h, err := NewHistory(NewUserMessage("hi"))
	require.NoError(t, err)

	entries := h.Entries()
	entries[0].Text = "changed"
	assert.Equal(t, "hi", h.At(0).Text)
}

func TestHistory_JSONRejectsInvalidOrdering(t *testing.T) {
	var h History
	err := json.Unmarshal([]byte(`[{"role":"tool","text":"x","tool_name":"t","call_id":"c"}]`), &h)
	assert.ErrorIs(t, err, ErrOrphanToolResult)

	data, err := json.Marshal(History{})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}
