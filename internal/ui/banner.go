package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Field is one labelled line of a banner or result box.
type Field struct {
	Key   string
	Value string
}

// Banner is the startup summary printed before the server loop runs.
type Banner struct {
	Title    string  // e.g., "webserv"
	Subtitle string  // e.g., "v1.2.0 · conf/site.yaml"
	Fields   []Field // rendered in order
	Width    int
}

// NewBanner creates a banner sized for width.
func NewBanner(title, subtitle string, width int) *Banner {
	return &Banner{Title: title, Subtitle: subtitle, Width: width}
}

// Add appends a field and returns the banner for chaining.
func (b *Banner) Add(key, value string) *Banner {
	b.Fields = append(b.Fields, Field{Key: key, Value: value})
	return b
}

// Render returns the bordered banner.
func (b *Banner) Render() string {
	width := max(b.Width, MinTerminalWidth)

	top := lipgloss.JoinVertical(lipgloss.Left,
		TitleStyle.Render(strings.ToUpper(b.Title)),
		SubtitleStyle.Render(b.Subtitle),
	)

	content := top
	if len(b.Fields) > 0 {
		content = lipgloss.JoinVertical(lipgloss.Left, top, divider(width), renderFields(b.Fields))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Width(width - 2).
		Render(content)
}

// String implements fmt.Stringer
func (b *Banner) String() string {
	return b.Render()
}

func renderFields(fields []Field) string {
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		key := ""
		if f.Key != "" {
			key = f.Key + ":"
		}
		lines = append(lines, FieldKeyStyle.Render(key)+" "+FieldValueStyle.Render(f.Value))
	}
	return strings.Join(lines, "\n")
}
