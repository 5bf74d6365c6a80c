package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoke(t *testing.T) {
	fixed := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	c := New().WithNow(func() time.Time { return fixed }).WithLocation(time.UTC)

	out, err := c.Invoke(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09T14:30:00Z", out)

	_, err = time.Parse(time.RFC3339, out)
	assert.NoError(t, err)
}

func TestDescriptor(t *testing.T) {
	d := New().Descriptor()
	assert.Equal(t, Name, d.Name)
	assert.Equal(t, Description, d.Description)
}
