// Package tui renders install progress in the terminal.
package tui

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/novelshelf/catalogd/internal/domain"
)

// StepMsg carries one step of an install stream
type StepMsg struct {
	Step domain.InstallStep
}

// StreamClosedMsg is sent when an install stream has no more steps
type StreamClosedMsg struct {
	Pkg string
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	pkgStyle     = lipgloss.NewStyle().Width(32)
	stateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(12)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

type row struct {
	pkg    string
	state  domain.InstallState
	err    error
	closed bool
}

// App follows a set of install streams until every one has closed
type App struct {
	rows      []row
	index     map[string]int
	streams   map[string]<-chan domain.InstallStep
	cancel    context.CancelFunc
	cancelled bool

	spinner spinner.Model
	bar     progress.Model
	keys    KeyMap
	help    help.Model
	width   int
}

// NewApp creates the progress view. cancel, if set, is called when the user
// aborts; the streams are expected to close once their context is done.
func NewApp(streams map[string]<-chan domain.InstallStep, cancel context.CancelFunc) App {
	pkgs := make([]string, 0, len(streams))
	for pkg := range streams {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)

	a := App{
		index:   make(map[string]int, len(pkgs)),
		streams: streams,
		cancel:  cancel,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		keys:    DefaultKeyMap(),
		help:    help.New(),
		width:   80,
	}
	for i, pkg := range pkgs {
		a.index[pkg] = i
		a.rows = append(a.rows, row{pkg: pkg, state: domain.InstallIdle})
	}
	return a
}

// Init implements tea.Model
func (a App) Init() tea.Cmd {
	cmds := []tea.Cmd{a.spinner.Tick}
	for _, r := range a.rows {
		cmds = append(cmds, a.next(r.pkg))
	}
	return tea.Batch(cmds...)
}

// next waits for the following step of pkg's stream.
func (a App) next(pkg string) tea.Cmd {
	ch := a.streams[pkg]
	return func() tea.Msg {
		step, ok := <-ch
		if !ok {
			return StreamClosedMsg{Pkg: pkg}
		}
		if step.PkgName == "" {
			step.PkgName = pkg
		}
		return StepMsg{Step: step}
	}
}

// Update implements tea.Model
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, a.keys.Cancel):
			if !a.cancelled {
				a.cancelled = true
				if a.cancel != nil {
					a.cancel()
				}
			}
			if a.Done() {
				return a, tea.Quit
			}
			return a, nil
		case key.Matches(msg, a.keys.Help):
			a.help.ShowAll = !a.help.ShowAll
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.help.Width = msg.Width
		return a, nil

	case StepMsg:
		i, ok := a.index[msg.Step.PkgName]
		if !ok {
			return a, nil
		}
		a.rows = append([]row(nil), a.rows...)
		a.rows[i].state = msg.Step.State
		a.rows[i].err = msg.Step.Err
		return a, a.next(msg.Step.PkgName)

	case StreamClosedMsg:
		i, ok := a.index[msg.Pkg]
		if !ok {
			return a, nil
		}
		a.rows = append([]row(nil), a.rows...)
		a.rows[i].closed = true
		if a.Done() {
			return a, tea.Quit
		}
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	return a, nil
}

// View implements tea.Model
func (a App) View() string {
	var b strings.Builder

	title := "Installing catalogs"
	if a.cancelled {
		title = "Cancelling..."
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	for _, r := range a.rows {
		b.WriteString(fmt.Sprintf("%s %s %s %s\n",
			a.icon(r),
			pkgStyle.Render(r.pkg),
			stateStyle.Render(string(r.state)),
			a.bar.ViewAs(fraction(r.state)),
		))
		if r.err != nil {
			b.WriteString("  " + errorStyle.Render(r.err.Error()) + "\n")
		}
	}

	if !a.Done() {
		b.WriteString(footerStyle.Render(a.help.View(a.keys)))
	}
	return b.String()
}

func (a App) icon(r row) string {
	switch {
	case r.state == domain.InstallCompleted:
		return successStyle.Render("✓")
	case r.state == domain.InstallError:
		return errorStyle.Render("✗")
	case r.closed:
		return "-"
	default:
		return a.spinner.View()
	}
}

// fraction maps an install state to the progress bar position.
func fraction(s domain.InstallState) float64 {
	switch s {
	case domain.InstallDownloading:
		return 0.25
	case domain.InstallInstalling:
		return 0.7
	case domain.InstallCompleted:
		return 1
	default:
		return 0
	}
}

// Done reports whether every stream has closed
func (a App) Done() bool {
	for _, r := range a.rows {
		if !r.closed {
			return false
		}
	}
	return true
}

// Cancelled reports whether the user aborted
func (a App) Cancelled() bool {
	return a.cancelled
}

// Results returns the last step of every stream, in package order. A
// stream that closed without finishing reports Idle.
func (a App) Results() []domain.InstallStep {
	out := make([]domain.InstallStep, len(a.rows))
	for i, r := range a.rows {
		state := r.state
		if !state.IsFinished() {
			state = domain.InstallIdle
		}
		out[i] = domain.InstallStep{PkgName: r.pkg, State: state, Err: r.err}
	}
	return out
}

// Run shows the progress of streams until they have all closed
func Run(ctx context.Context, streams map[string]<-chan domain.InstallStep, cancel context.CancelFunc, out io.Writer) ([]domain.InstallStep, error) {
	p := tea.NewProgram(NewApp(streams, cancel), tea.WithContext(ctx), tea.WithOutput(out))
	m, err := p.Run()
	if err != nil {
		return nil, err
	}
	return m.(App).Results(), nil
}
