package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/stopwatch"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	waitSpinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	waitElapsedStyle = lipgloss.NewStyle().Faint(true)
)

type upstreamDoneMsg struct {
	err error
}

// waitModel shows how long one upstream call has been running.
type waitModel struct {
	spinner spinner.Model
	elapsed stopwatch.Model
	label   string
	call    tea.Cmd
	err     error
	done    bool
}

func newWaitModel(label string, call tea.Cmd) waitModel {
	return waitModel{
		spinner: spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(waitSpinnerStyle)),
		elapsed: stopwatch.NewWithInterval(time.Second),
		label:   label,
		call:    call,
	}
}

func (m waitModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.elapsed.Init(), m.call)
}

func (m waitModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case upstreamDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
	default:
		m.elapsed, cmd = m.elapsed.Update(msg)
	}
	return m, cmd
}

func (m waitModel) View() string {
	if m.done {
		return ""
	}
	return fmt.Sprintf("%s %s %s", m.spinner.View(), m.label, waitElapsedStyle.Render(m.elapsed.View()))
}

// awaitUpstream runs call while output shows label and the elapsed time.
// A cancelled ctx is reported as ctx.Err() rather than as a killed program.
func awaitUpstream(ctx context.Context, output io.Writer, label string, call func(context.Context) error) error {
	run := func() tea.Msg {
		return upstreamDoneMsg{err: call(ctx)}
	}

	p := tea.NewProgram(
		newWaitModel(label, run),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	final, err := p.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return err
	}

	result, ok := final.(waitModel)
	if !ok {
		return fmt.Errorf("unexpected final wait model type %T", final)
	}
	return result.err
}
