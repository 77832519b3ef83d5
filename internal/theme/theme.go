package theme

import "github.com/charmbracelet/lipgloss"

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorBorder = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for the title of CLI reports.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// LabelStyle renders the left-hand side of a key/value line.
var LabelStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Width(14)

// HelpStyle is used for hints printed under a report.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// TableHeaderStyle is the header row of a report table.
var TableHeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorBlue).
	Padding(0, 1)

// TableCellStyle is the base style for report table cells.
var TableCellStyle = lipgloss.NewStyle().
	Padding(0, 1)

// BorderStyle is the border of report tables.
var BorderStyle = lipgloss.NewStyle().
	Foreground(ColorBorder)

// StateStyle returns a style for an on/off component state.
func StateStyle(ok bool) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	if ok {
		return base.Foreground(ColorGreen)
	}
	return base.Foreground(ColorRed)
}

// CountStyle returns a style that dims zero counts and highlights pending
// reminders.
func CountStyle(n int, pending bool) lipgloss.Style {
	base := lipgloss.NewStyle()

	switch {
	case n == 0:
		return base.Foreground(ColorGray)
	case pending:
		return base.Bold(true).Foreground(ColorYellow)
	default:
		return base
	}
}
