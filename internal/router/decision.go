package router

// Direct is the destination label for answering without a tool
const Direct = "direct"

// Decision is the outcome of routing: either a direct answer or one tool.
// The zero value is a direct answer.
type Decision struct {
	tool string
}

// DirectAnswer returns the direct-answer decision
func DirectAnswer() Decision { return Decision{} }

// ToolCall returns a decision to invoke the named tool
func ToolCall(name string) Decision { return Decision{tool: name} }

// IsDirect reports whether no tool should be invoked
func (d Decision) IsDirect() bool { return d.tool == "" }

// Tool returns the tool name, if any
func (d Decision) Tool() (string, bool) { return d.tool, d.tool != "" }

// String returns the destination label
func (d Decision) String() string {
	if d.IsDirect() {
		return Direct
	}
	return d.tool
}
