// Package tools holds the fixed set of capabilities the dispatcher can invoke.
package tools

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownTool is returned when a name is not in the registry
var ErrUnknownTool = errors.New("unknown tool")

// CapabilityFailure is a tool failure carrying the sentence shown to the user.
type CapabilityFailure struct {
	Tool    string
	Message string
	Err     error
}

func (e *CapabilityFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Tool, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Tool, e.Message, e.Err)
}

func (e *CapabilityFailure) Unwrap() error { return e.Err }

// Fail builds a CapabilityFailure. message should read well as a reply.
func Fail(tool, message string, err error) error {
	return &CapabilityFailure{Tool: tool, Message: message, Err: err}
}

// InvokeFunc runs a tool with its single string argument.
// It must return promptly once ctx is done.
type InvokeFunc func(ctx context.Context, argument string) (string, error)

// Descriptor declares one tool
type Descriptor struct {
	Name        string
	Description string
	Extract     ArgumentExtractor
	Invoke      InvokeFunc
}

// Info is the public metadata of a tool
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}
	if d.Invoke == nil {
		return fmt.Errorf("tool %s: invoke is required", d.Name)
	}
	if d.Extract == nil {
		return fmt.Errorf("tool %s: argument extractor is required", d.Name)
	}
	return nil
}
