package conversation

import "time"

// Role identifies which kind of conversation entry a Message is
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single conversation entry.
// ToolName and CallID are only set on tool results.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	ToolName  string    `json:"tool_name,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewUserMessage creates a user utterance
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text, CreatedAt: time.Now().UTC()}
}

// NewAssistantMessage creates an assistant reply
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Text: text, CreatedAt: time.Now().UTC()}
}

// NewToolResultMessage creates the result entry of one tool invocation
func NewToolResultMessage(toolName, resultText, callID string) Message {
	return Message{
		Role:      RoleTool,
		Text:      resultText,
		ToolName:  toolName,
		CallID:    callID,
		CreatedAt: time.Now().UTC(),
	}
}

// IsUser reports whether the message is a user utterance
func (m Message) IsUser() bool { return m.Role == RoleUser }

// IsAssistant reports whether the message is an assistant reply
func (m Message) IsAssistant() bool { return m.Role == RoleAssistant }

// IsToolResult reports whether the message carries a tool result
func (m Message) IsToolResult() bool { return m.Role == RoleTool }

// Equal compares two messages by content, ignoring timestamps
func (m Message) Equal(other Message) bool {
	return m.Role == other.Role &&
		m.Text == other.Text &&
		m.ToolName == other.ToolName &&
		m.CallID == other.CallID
}
