package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dgnsrekt/speak/tts"
)

// CancelReason is passed to Cancel when the user quits the view.
const CancelReason = "user"

// StatusSource is the running stream shown by StatusModel.
type StatusSource interface {
	Status() tts.Status
	Cancel(reason string) bool
}

// FinishedMsg is sent when the stream's Run returns.
type FinishedMsg struct {
	Result *tts.StreamResult
	Err    error
}

type statusTickMsg time.Time

// StatusModel is a Bubble Tea model showing a stream until it finishes.
type StatusModel struct {
	source   StatusSource
	display  *StatusDisplay
	spinner  spinner.Model
	interval time.Duration
	width    int

	cancelled bool
	finished  bool
	result    *tts.StreamResult
	err       error
}

// NewStatusModel creates the model. capacitySeconds sizes the buffer bar.
func NewStatusModel(source StatusSource, capacitySeconds float64, sampleRate int) StatusModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#00AAFF"))

	return StatusModel{
		source:   source,
		display:  NewStatusDisplay(capacitySeconds, sampleRate),
		spinner:  sp,
		interval: 100 * time.Millisecond,
		width:    60,
	}
}

func (m StatusModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}

// Init starts the spinner and the status poll.
func (m StatusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.tick())
}

// Update handles keys, polls and the final result.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			// The view closes once Run reports the cancellation.
			if !m.cancelled {
				m.cancelled = true
				m.source.Cancel(CancelReason)
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case statusTickMsg:
		if m.finished {
			return m, nil
		}
		m.display.Update(m.source.Status())
		return m, m.tick()

	case spinner.TickMsg:
		if m.finished {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case FinishedMsg:
		m.finished = true
		m.result = msg.Result
		m.err = msg.Err
		m.display.Update(m.source.Status())
		m.display.SetError(msg.Err)
		return m, tea.Quit
	}
	return m, nil
}

// View renders the status.
func (m StatusModel) View() string {
	if m.finished {
		return m.display.DetailedStatus(m.width) + "\n"
	}

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("#626262")).Render("q: stop")
	if m.cancelled {
		help = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262")).Render("stopping...")
	}
	return fmt.Sprintf("%s %s\n\n%s\n", m.spinner.View(), m.display.DetailedStatus(m.width), help)
}

// Result returns what Run reported, once finished.
func (m StatusModel) Result() (*tts.StreamResult, error) {
	return m.result, m.err
}

// Run shows source while run executes and returns run's result. Closing
// the view cancels the stream; Run still waits for run to return.
func Run(ctx context.Context, out io.Writer, model StatusModel, run func() (*tts.StreamResult, error)) (*tts.StreamResult, error) {
	p := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(out))

	done := make(chan FinishedMsg, 1)
	go func() {
		res, err := run()
		msg := FinishedMsg{Result: res, Err: err}
		done <- msg
		p.Send(msg)
	}()

	if _, err := p.Run(); err != nil {
		model.source.Cancel(CancelReason)
	}

	fin := <-done
	return fin.Result, fin.Err
}
