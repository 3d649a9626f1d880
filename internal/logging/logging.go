// Package logging configures the command line logger.
package logging

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

// Prefix is the label rendered in front of every log line.
const Prefix = "superres"

func coloredPrefix() string {
	style := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#6366F1")).
		Bold(true).
		Padding(0, 1).
		MarginRight(1)
	return style.Render(Prefix)
}

// New creates a logger writing to w.
// Verbose enables debug level with caller and timestamps.
// Colors are only used when w is a terminal.
func New(w io.Writer, verbose bool) *log.Logger {
	profile := termenv.NewOutput(w).EnvColorProfile()

	prefix := Prefix
	if profile != termenv.Ascii {
		prefix = coloredPrefix()
	}

	l := log.NewWithOptions(w, log.Options{
		ReportCaller:    verbose,
		ReportTimestamp: verbose,
		TimeFormat:      "15:04:05",
		Prefix:          prefix,
	})
	l.SetColorProfile(profile)

	if verbose {
		l.SetLevel(log.DebugLevel)
		l.Debug("debug logging enabled")
	} else {
		l.SetLevel(log.InfoLevel)
	}

	return l
}
