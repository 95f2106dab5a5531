package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/dgnsrekt/speak/tts"
)

// StatusDisplay renders a stream's live status.
type StatusDisplay struct {
	status          tts.Status
	capacitySeconds float64
	sampleRate      int
	errorMessage    string
}

// NewStatusDisplay creates a display for a buffer of the given size.
func NewStatusDisplay(capacitySeconds float64, sampleRate int) *StatusDisplay {
	return &StatusDisplay{
		capacitySeconds: capacitySeconds,
		sampleRate:      sampleRate,
	}
}

// Update replaces the displayed status.
func (s *StatusDisplay) Update(st tts.Status) {
	s.status = st
	if st.State != tts.StateError {
		s.errorMessage = ""
	}
}

// SetError shows err below the status.
func (s *StatusDisplay) SetError(err error) {
	if err == nil {
		s.errorMessage = ""
		return
	}
	s.errorMessage = err.Error()
}

// State returns the displayed state.
func (s *StatusDisplay) State() tts.StateType {
	return s.status.State
}

// CompactStatus returns a one-line status.
func (s *StatusDisplay) CompactStatus() string {
	if s.status.State == tts.StateIdle {
		return ""
	}

	stateStyle := lipgloss.NewStyle().Foreground(s.getStateColor())
	status := stateStyle.Render(fmt.Sprintf("%s %s", s.getStateIcon(), s.status.State))

	counterStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	status += counterStyle.Render(fmt.Sprintf(" %.1fs buffered", s.status.BufferedSeconds))
	return status
}

// DetailedStatus returns a multi-line status for the full view.
func (s *StatusDisplay) DetailedStatus(width int) string {
	var lines []string

	stateStyle := lipgloss.NewStyle().Foreground(s.getStateColor()).Bold(true)
	lines = append(lines, stateStyle.Render(fmt.Sprintf("%s %s", s.getStateIcon(), strings.ToUpper(s.status.State.String()))))

	if width > 20 {
		bar := s.renderProgressBar(min(width-4, 40))
		lines = append(lines, fmt.Sprintf("%s %.1fs", bar, s.status.BufferedSeconds))
	}

	audio := ""
	if s.sampleRate > 0 {
		audio = fmt.Sprintf(" (%.1fs)", float64(s.status.Samples)/float64(s.sampleRate))
	}
	lines = append(lines, fmt.Sprintf("Chunks: %d  Samples: %s%s",
		s.status.Chunks, humanize.Comma(s.status.Samples), audio))

	if s.status.Underruns > 0 || s.status.Rebuffers > 0 {
		warnStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8800"))
		lines = append(lines, warnStyle.Render(fmt.Sprintf("Underruns: %d  Rebuffers: %d",
			s.status.Underruns, s.status.Rebuffers)))
	}

	if s.errorMessage != "" {
		errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).MaxWidth(max(width, 20))
		lines = append(lines, errorStyle.Render("Error: "+s.errorMessage))
	}

	return strings.Join(lines, "\n")
}

// renderProgressBar shows buffer fill against capacity.
func (s *StatusDisplay) renderProgressBar(width int) string {
	if width < 10 {
		return ""
	}

	fill := 0.0
	if s.capacitySeconds > 0 {
		fill = s.status.BufferedSeconds / s.capacitySeconds
	}
	filledWidth := min(max(int(fill*float64(width)), 0), width)

	filled := strings.Repeat("█", filledWidth)
	empty := strings.Repeat("░", width-filledWidth)

	filledStyle := lipgloss.NewStyle().Foreground(s.getStateColor())
	emptyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#333333"))
	return filledStyle.Render(filled) + emptyStyle.Render(empty)
}

func (s *StatusDisplay) getStateColor() lipgloss.Color {
	switch s.status.State {
	case tts.StatePlaying:
		return lipgloss.Color("#00FF00")
	case tts.StateBuffering:
		return lipgloss.Color("#00AAFF")
	case tts.StateRebuffering:
		return lipgloss.Color("#FFFF00")
	case tts.StateDraining:
		return lipgloss.Color("#888888")
	case tts.StateError:
		return lipgloss.Color("#FF0000")
	case tts.StateFinished:
		return lipgloss.Color("#FF8800")
	default:
		return lipgloss.Color("#666666")
	}
}

func (s *StatusDisplay) getStateIcon() string {
	switch s.status.State {
	case tts.StatePlaying:
		return "▶"
	case tts.StateBuffering, tts.StateRebuffering:
		return "⟳"
	case tts.StateDraining:
		return "◼"
	case tts.StateFinished:
		return "■"
	case tts.StateError:
		return "✗"
	default:
		return "○"
	}
}

// IsActive reports whether the stream is still running.
func (s *StatusDisplay) IsActive() bool {
	return s.status.State != tts.StateIdle && !s.status.State.IsTerminal()
}
