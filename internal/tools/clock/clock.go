// Package clock implements the current time tool.
package clock

import (
	"context"
	"time"

	"github.com/lexiqai/dispatch-gateway/internal/tools"
)

const (
	Name        = "get_current_time"
	Description = "Returns the current date and time in ISO format."
)

// Clock reports the current time in a fixed location
type Clock struct {
	now func() time.Time
	loc *time.Location
}

// New returns a clock in the local timezone
func New() *Clock {
	return &Clock{now: time.Now, loc: time.Local}
}

// WithNow overrides the time source
func (c *Clock) WithNow(now func() time.Time) *Clock {
	c.now = now
	return c
}

// WithLocation overrides the reporting timezone
func (c *Clock) WithLocation(loc *time.Location) *Clock {
	c.loc = loc
	return c
}

// Descriptor registers the clock as a tool; it takes no argument
func (c *Clock) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        Name,
		Description: Description,
		Extract:     tools.NoArgument,
		Invoke:      c.Invoke,
	}
}

// Invoke returns the current time as an ISO-8601 timestamp
func (c *Clock) Invoke(ctx context.Context, _ string) (string, error) {
	return c.now().In(c.loc).Format(time.RFC3339), nil
}
