package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer

	l := New(&buf, false)
	l.Debug("hidden")
	l.Info("upscale complete", "tiles", 4)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, Prefix)
	assert.Contains(t, out, "upscale complete")
	assert.Contains(t, out, "tiles=4")
	// Not a terminal, so no escape sequences.
	assert.NotContains(t, out, "\x1b[")
}

func TestNew_verbose(t *testing.T) {
	var buf bytes.Buffer

	l := New(&buf, true)
	l.Debug("tile done", "col", 1)

	out := buf.String()
	assert.Contains(t, out, "debug logging enabled")
	assert.Contains(t, out, "tile done")
	assert.Contains(t, out, "col=1")
}
