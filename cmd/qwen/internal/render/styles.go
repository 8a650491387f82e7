package render

import "github.com/charmbracelet/lipgloss"

// Centralized style definitions for the CLI.
var (
	UserPrefixStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4")) // blue
	AnswerPrefixStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")) // cyan
	SpinnerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))             // magenta
	DimStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))             // gray
	WarnStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))             // yellow

	ErrorBlockStyle = lipgloss.NewStyle().
			PaddingLeft(1).
			BorderLeft(true).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("1"))
)
