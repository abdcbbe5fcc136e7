package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Color palette
var (
	PrimaryColor = lipgloss.Color("#7D56F4") // Purple - banner border
	SuccessColor = lipgloss.Color("#43BF6D") // Green - success
	ErrorColor   = lipgloss.Color("#FF5555") // Red - errors
	MutedColor   = lipgloss.Color("#626262") // Gray - secondary info
	TextColor    = lipgloss.Color("#FFFFFF") // White - main content
)

// Layout constants
const (
	MinTerminalWidth = 60  // Minimum supported terminal width
	MaxContentWidth  = 100 // Maximum content width before capping
)

var (
	// TitleStyle is for the banner title ("WEBSERV")
	TitleStyle = lipgloss.NewStyle().
			Foreground(TextColor).
			Bold(true).
			PaddingLeft(2)

	// SubtitleStyle is for the version and config path line
	SubtitleStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			PaddingLeft(2)

	// FieldKeyStyle is for field labels (e.g., "Listen:")
	FieldKeyStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			PaddingLeft(2).
			Width(14)

	// FieldValueStyle is for field values
	FieldValueStyle = lipgloss.NewStyle().
			Foreground(TextColor)

	SuccessTitleStyle = lipgloss.NewStyle().
				Foreground(SuccessColor).
				Bold(true)

	ErrorTitleStyle = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true)

	ErrorMessageStyle = lipgloss.NewStyle().
				Foreground(ErrorColor)

	HintStyle = lipgloss.NewStyle().
			Foreground(MutedColor)
)

// Markers
const (
	SuccessMarker = "✓"
	FailureMarker = "✗"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// GetTerminalWidth returns the width of f clamped to the supported range.
func GetTerminalWidth(f *os.File) int {
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width < MinTerminalWidth {
		return MinTerminalWidth
	}
	if width > MaxContentWidth {
		return MaxContentWidth
	}
	return width
}

func divider(width int) string {
	n := max(width-6, 10)
	line := make([]rune, n)
	for i := range line {
		line[i] = '─'
	}
	return lipgloss.NewStyle().Foreground(PrimaryColor).Render(string(line))
}
