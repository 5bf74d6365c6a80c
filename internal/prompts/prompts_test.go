package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterListsOptions(t *testing.T) {
	out, err := Default().Router([]RouteOption{
		{Name: "get_current_time", Description: "Returns the current time."},
		{Name: "direct", Description: "Responds to general questions and conversation."},
	}, "direct")
	require.NoError(t, err)

	assert.Contains(t, out, "- get_current_time: Returns the current time.\n")
	assert.Contains(t, out, "- direct: Responds to general questions and conversation.\n")
	assert.Contains(t, out, "output 'direct'")
}

func TestSynthesisIncludesQuestionAndOutput(t *testing.T) {
	out, err := Default().Synthesis("What's AAPL's price?", "The current price of AAPL is $190.00.")
	require.NoError(t, err)

	assert.Contains(t, out, "User's original question: What's AAPL's price?")
	assert.Contains(t, out, "Tool's output: The current price of AAPL is $190.00.")
	assert.Contains(t, out, "Do not refuse")
}

func TestExtractionPrompts(t *testing.T) {
	ticker, err := Default().TickerExtraction("How is Nvidia trading?")
	require.NoError(t, err)
	assert.Contains(t, ticker, "Only return the ticker symbol.")
	assert.Contains(t, ticker, "Question: How is Nvidia trading?")

	name, err := Default().NameExtraction("Tell me about Jane Doe")
	require.NoError(t, err)
	assert.Contains(t, name, "Only return the name.")
}

func TestLoadFile_OverridesAndFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("synthesis: |\n  Answer {{.Question}} using {{.ToolOutput}}\n"), 0o644))

	set, err := LoadFile(path)
	require.NoError(t, err)

	out, err := set.Synthesis("q", "r")
	require.NoError(t, err)
	assert.Equal(t, "Answer q using r\n", out)

	ticker, err := set.TickerExtraction("q")
	require.NoError(t, err)
	assert.Contains(t, ticker, "Ticker:")
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router: \"{{.Options\"\n"), 0o644))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFile_EmptyPath(t *testing.T) {
	set, err := LoadFile("")
	require.NoError(t, err)
	assert.NotNil(t, set)
}
