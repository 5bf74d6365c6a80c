package orchestrator

import (
	"context"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/dispatch"
	"github.com/lexiqai/dispatch-gateway/internal/router"
)

// State is a phase of a single turn
type State int

const (
	StateIdle State = iota
	StateRouting
	StateDispatching
	StateSynthesizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRouting:
		return "routing"
	case StateDispatching:
		return "dispatching"
	case StateSynthesizing:
		return "synthesizing"
	default:
		return "unknown"
	}
}

// TurnResult is returned to the transport layer after a completed turn
type TurnResult struct {
	SessionID   string    `json:"session_id"`
	Reply       string    `json:"response"`
	Destination string    `json:"destination"`
	FellBack    bool      `json:"fell_back,omitempty"`
	ToolCall    *ToolCall `json:"tool_call,omitempty"`
	HistoryLen  int       `json:"history_len"`
}

// ToolCall summarises the tool invocation of a turn
type ToolCall struct {
	ToolName string `json:"tool_name"`
	CallID   string `json:"call_id"`
	Argument string `json:"argument,omitempty"`
	Success  bool   `json:"success"`
}

// Router decides the destination of the latest user message
type Router interface {
	Decide(ctx context.Context, history conversation.History) (router.Decision, error)
}

// Dispatcher invokes a tool and returns its result entry
type Dispatcher interface {
	Invoke(ctx context.Context, destination string, history conversation.History) (dispatch.Outcome, error)
}

// Synthesizer produces the assistant reply
type Synthesizer interface {
	Respond(ctx context.Context, history conversation.History) (conversation.Message, error)
}
