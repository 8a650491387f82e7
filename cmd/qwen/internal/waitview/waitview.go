// Package waitview shows a spinner while a blocking call is in flight.
package waitview

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/germanamz/qwen/cmd/qwen/internal/render"
)

type doneMsg struct{}

type model struct {
	spinner spinner.Model
	label   string
	start   time.Time
	now     func() time.Time
	done    bool
}

func newModel(label string) model {
	return model{
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(render.SpinnerStyle),
		),
		label: label,
		start: time.Now(),
		now:   time.Now,
	}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m model) View() string {
	if m.done {
		return ""
	}

	elapsed := render.FmtDuration(m.now().Sub(m.start))
	return fmt.Sprintf("%s %s %s", m.spinner.View(), m.label, render.DimStyle.Render(elapsed))
}

// programOptions keeps the spinner off stdin, which the REPL reads, and
// leaves SIGINT to the caller's signal context.
func programOptions(out io.Writer) []tea.ProgramOption {
	return []tea.ProgramOption{
		tea.WithOutput(out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	}
}

// Run calls fn and, when out is a terminal, animates a spinner labelled
// label until fn returns. The spinner reads no input: fn is stopped by
// cancelling ctx.
func Run[T any](ctx context.Context, out io.Writer, label string, fn func(context.Context) (T, error)) (T, error) {
	if !render.IsTerminal(out) {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		res  T
		err  error
		done = make(chan struct{})
	)

	p := tea.NewProgram(newModel(label), programOptions(out)...)

	go func() {
		defer close(done)
		res, err = fn(ctx)
		p.Send(doneMsg{})
	}()

	if _, runErr := p.Run(); runErr != nil {
		cancel()
		<-done
		if err == nil {
			err = fmt.Errorf("waitview: %w", runErr)
		}
		return res, err
	}

	<-done
	return res, err
}
