package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Result is a success or failure box, used for --check and fatal startup
// errors.
type Result struct {
	Success bool
	Title   string
	Fields  []Field
	Err     error
	Hints   []string
	Width   int
}

// NewSuccessResult creates a success box.
func NewSuccessResult(title string, width int, fields ...Field) *Result {
	return &Result{Success: true, Title: title, Fields: fields, Width: width}
}

// NewFailureResult creates a failure box with optional hints.
func NewFailureResult(title string, err error, width int, hints ...string) *Result {
	return &Result{Title: title, Err: err, Hints: hints, Width: width}
}

// Render returns the styled box.
func (r *Result) Render() string {
	width := max(r.Width, MinTerminalWidth)

	color, marker, label, titleStyle := SuccessColor, SuccessMarker, "OK", SuccessTitleStyle
	if !r.Success {
		color, marker, label, titleStyle = ErrorColor, FailureMarker, "FAILED", ErrorTitleStyle
	}

	lines := []string{"", titleStyle.Render(fmt.Sprintf(" %s  %s  ─  %s", marker, label, r.Title)), ""}
	if len(r.Fields) > 0 {
		lines = append(lines, renderFields(r.Fields), "")
	}
	if r.Err != nil {
		// wrap long config errors inside the box
		msg := lipgloss.NewStyle().Width(width - 10).Render("Error: " + r.Err.Error())
		lines = append(lines, ErrorMessageStyle.Render(msg), "")
	}
	for _, hint := range r.Hints {
		lines = append(lines, HintStyle.Render("  • "+hint))
	}
	if len(r.Hints) > 0 {
		lines = append(lines, "")
	}

	return lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(color).
		Width(width - 2).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))
}

// String implements fmt.Stringer
func (r *Result) String() string {
	return r.Render()
}
