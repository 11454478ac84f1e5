package watch

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	primaryColor = lipgloss.Color("#7C3AED")
	okColor      = lipgloss.Color("#10B981")
	warnColor    = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
)

// Shared styles.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	statusOKStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(okColor)

	statusWarnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(warnColor)

	statusErrorStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(errorColor)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1).
			Width(20)

	metricValueStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(primaryColor)

	metricLabelStyle = lipgloss.NewStyle().
				Foreground(mutedColor)

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(mutedColor).
				Underline(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(1, 1, 0, 1)
)

// severityStyle picks a display style for a syslog severity ordinal.
func severityStyle(s uint8) lipgloss.Style {
	switch {
	case s <= 3:
		return statusErrorStyle
	case s == 4:
		return statusWarnStyle
	default:
		return mutedStyle
	}
}
