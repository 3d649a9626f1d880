package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/vearutop/superres"
)

type upscaleProgressModel struct {
	progress progress.Model
	last     superres.Progress
	done     bool
	cancel   context.CancelFunc
}

type progressMsg superres.Progress

type upscaleCompleteMsg struct{}

func newProgressModel(cancel context.CancelFunc) *upscaleProgressModel {
	return &upscaleProgressModel{
		progress: progress.New(progress.WithDefaultGradient()),
		cancel:   cancel,
	}
}

func (m *upscaleProgressModel) Init() tea.Cmd {
	return nil
}

func (m *upscaleProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.cancel()
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.progress.Width = min(max(msg.Width-4, 10), 80)
	case progressMsg:
		m.last = superres.Progress(msg)
	case upscaleCompleteMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *upscaleProgressModel) View() string {
	if m.done {
		return fmt.Sprintf("\n✓ %s (100%%)\n\n", m.last.Message)
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(m.progress.ViewAs(m.last.Percent / 100))
	b.WriteString("\n")
	b.WriteString(m.last.Message)
	if m.last.TilesTotal > 1 {
		fmt.Fprintf(&b, ": tile %d/%d", m.last.TilesDone, m.last.TilesTotal)
	}
	fmt.Fprintf(&b, " (%.0f%%)", m.last.Percent)
	if m.last.RemainingKnown {
		b.WriteString(", " + superres.FormatRemaining(m.last.Remaining))
	}
	b.WriteString("\n")
	return b.String()
}

// runWithProgress runs an upscale while rendering a progress bar on stderr.
// Quitting the bar cancels the upscale.
func runWithProgress(ctx context.Context, run func(ctx context.Context, onProgress func(p superres.Progress)) (superres.SessionState, error)) (superres.SessionState, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := newProgressModel(cancel)
	program := tea.NewProgram(model, tea.WithOutput(os.Stderr), tea.WithContext(ctx))

	var (
		st  superres.SessionState
		err error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		st, err = run(ctx, func(p superres.Progress) {
			program.Send(progressMsg(p))
		})
		program.Send(upscaleCompleteMsg{})
	}()

	if _, uiErr := program.Run(); uiErr != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "progress display:", uiErr)
	}
	<-done

	return st, err
}
