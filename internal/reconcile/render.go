package reconcile

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorAccent = lipgloss.Color("#06B6D4")
	colorMuted  = lipgloss.Color("#6B7280")
	colorError  = lipgloss.Color("#EF4444")
	colorLevel  = lipgloss.Color("#10B981")

	finalStyle      = lipgloss.NewStyle()
	timeStyle       = lipgloss.NewStyle().Foreground(colorMuted)
	draftStyle      = lipgloss.NewStyle().Foreground(colorMuted).Faint(true)
	draftTagStyle   = lipgloss.NewStyle().Foreground(colorMuted).Italic(true)
	partialStyle    = lipgloss.NewStyle().Foreground(colorAccent).Italic(true)
	statusStyle     = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	errorStyle      = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	meterStyle      = lipgloss.NewStyle().Foreground(colorLevel)
	meterEmptyStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

const (
	meterWidth   = 30
	clearScreen  = "\033[H\033[2J"
	defaultLines = 20
)

// TerminalRenderer redraws the tail of the transcript on every change.
type TerminalRenderer struct {
	out   io.Writer
	lines int
	last  uint64
	level int
}

func NewTerminalRenderer(out io.Writer, lines int) *TerminalRenderer {
	if lines <= 0 {
		lines = defaultLines
	}
	return &TerminalRenderer{out: out, lines: lines, level: -1}
}

func (r *TerminalRenderer) Render(s Snapshot) {
	filled := int(s.Level*meterWidth + 0.5)
	if s.Version == r.last && filled == r.level {
		return
	}
	r.last = s.Version
	r.level = filled
	_, _ = io.WriteString(r.out, clearScreen+r.Format(s))
}

// Format renders a snapshot without terminal control sequences.
func (r *TerminalRenderer) Format(s Snapshot) string {
	var b strings.Builder

	status := s.Status
	if status == "" {
		status = "idle"
	}
	b.WriteString(statusStyle.Render(status))
	b.WriteString("  ")
	b.WriteString(Meter(s.Level))
	b.WriteByte('\n')
	if s.LastError != "" {
		b.WriteString(errorStyle.Render("error: " + s.LastError))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	entries := s.Entries
	if len(entries) > r.lines {
		entries = entries[len(entries)-r.lines:]
	}
	for _, e := range entries {
		if e.Provisional {
			b.WriteString(draftTagStyle.Render("[draft]"))
			b.WriteByte(' ')
			b.WriteString(draftStyle.Render(e.Text))
		} else {
			b.WriteString(timeStyle.Render(fmt.Sprintf("[%s]", e.UpdatedAt.Local().Format("15:04:05"))))
			b.WriteByte(' ')
			b.WriteString(finalStyle.Render(e.Text))
		}
		b.WriteByte('\n')
	}
	if s.Partial != "" {
		b.WriteString(partialStyle.Render("… " + s.Partial))
		b.WriteByte('\n')
	}
	return b.String()
}

// Meter draws a level in [0,1] as a fixed-width bar.
func Meter(level float64) string {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	filled := int(level*meterWidth + 0.5)
	return meterStyle.Render(strings.Repeat("█", filled)) +
		meterEmptyStyle.Render(strings.Repeat("░", meterWidth-filled))
}
