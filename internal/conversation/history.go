// Package conversation holds the conversation entry types and the
// append-only history they are recorded in.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrOrphanToolResult is returned when a tool result would become the first entry
	ErrOrphanToolResult = errors.New("conversation: tool result cannot start a history")

	// ErrUnknownRole is returned for entries whose role is not recognised
	ErrUnknownRole = errors.New("conversation: unknown message role")
)

// History is an ordered, append-only sequence of messages.
// The zero value is an empty history. Append never mutates the receiver's
// backing array, so a History value can be shared safely between a stored
// session and an in-flight turn.
type History struct {
	entries []Message
}

// NewHistory builds a history from existing entries, validating the
// ordering rules as if each entry had been appended in turn.
func NewHistory(entries ...Message) (History, error) {
	var h History
	for _, m := range entries {
		next, err := h.Append(m)
		if err != nil {
			return History{}, err
		}
		h = next
	}
	return h, nil
}

// Append returns a new history with msg added at the end.
func (h History) Append(msg Message) (History, error) {
	switch msg.Role {
	case RoleUser, RoleAssistant:
	case RoleTool:
		if len(h.entries) == 0 {
			return h, ErrOrphanToolResult
		}
	default:
		return h, fmt.Errorf("%w: %q", ErrUnknownRole, msg.Role)
	}

	next := make([]Message, len(h.entries), len(h.entries)+1)
	copy(next, h.entries)
	next = append(next, msg)
	return History{entries: next}, nil
}

// Len returns the number of entries
func (h History) Len() int { return len(h.entries) }

// Entries returns a copy of the entries in insertion order
func (h History) Entries() []Message {
	if len(h.entries) == 0 {
		return nil
	}
	out := make([]Message, len(h.entries))
	copy(out, h.entries)
	return out
}

// At returns the entry at index i
func (h History) At(i int) Message { return h.entries[i] }

// Last returns the most recent entry, if any
func (h History) Last() (Message, bool) {
	if len(h.entries) == 0 {
		return Message{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// LastUser scans backwards for the most recent user utterance.
func (h History) LastUser() (Message, bool) {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].IsUser() {
			return h.entries[i], true
		}
	}
	return Message{}, false
}

// HasPrefix reports whether prefix is an unchanged leading part of h.
func (h History) HasPrefix(prefix History) bool {
	if prefix.Len() > h.Len() {
		return false
	}
	for i, m := range prefix.entries {
		if !h.entries[i].Equal(m) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the history as a plain array of messages
func (h History) MarshalJSON() ([]byte, error) {
	if h.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h.entries)
}

// UnmarshalJSON decodes an array of messages, re-checking ordering rules
func (h *History) UnmarshalJSON(data []byte) error {
	var entries []Message
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	decoded, err := NewHistory(entries...)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}
