package ui

import "github.com/charmbracelet/lipgloss"

// Color constants.
const (
	primaryColor   = "#7C3AED" // Purple
	secondaryColor = "#10B981" // Green
	warningColor   = "#F59E0B" // Amber
	errorColor     = "#EF4444" // Red
	dimColor       = "#6B7280" // Gray
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(primaryColor)).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(dimColor))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(secondaryColor))

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(errorColor))

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(warningColor))

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	// BoxStyle provides a rounded border box with primary color.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(primaryColor)).
			Padding(1, 2)

	SelectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(primaryColor)).
			Bold(true)
)

// Iteration status icons (pre-rendered strings).
var (
	IconDone    = SuccessStyle.Render("✓")
	IconFailed  = ErrorStyle.Render("✗")
	IconRetry   = WarningStyle.Render("↻")
	IconPending = DimStyle.Render("○")
)

// OutcomeStyle picks the style for a run outcome or session status.
func OutcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case "completed":
		return SuccessStyle
	case "exhausted-budget", "active":
		return WarningStyle
	case "failed":
		return ErrorStyle
	}
	return DimStyle
}
