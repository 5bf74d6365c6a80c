package voice

import (
	"strings"

	"github.com/lexiqai/dispatch-gateway/internal/stt"
)

// utteranceBuffer joins final transcript segments until the speaker pauses
type utteranceBuffer struct {
	parts     []string
	lastFinal string
}

// Add records a transcript and returns the completed utterance, if any.
// Interim results never complete an utterance.
func (b *utteranceBuffer) Add(t *stt.Transcript) (string, bool) {
	if t == nil || !t.IsFinal {
		return "", false
	}

	text := strings.TrimSpace(t.Text)
	// Deepgram may repeat a final segment
	if text != "" && text != b.lastFinal {
		b.parts = append(b.parts, text)
		b.lastFinal = text
	}

	if !t.SpeechFinal {
		return "", false
	}
	return b.Flush()
}

// Flush returns whatever has been collected and resets the buffer
func (b *utteranceBuffer) Flush() (string, bool) {
	if len(b.parts) == 0 {
		return "", false
	}
	utterance := strings.Join(b.parts, " ")
	b.parts = b.parts[:0]
	b.lastFinal = ""
	return utterance, true
}
