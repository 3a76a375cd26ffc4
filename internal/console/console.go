// Package console renders run summaries for a terminal.
package console

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Color palette - keeping it minimal and accessible.
var (
	ColorPrimary   = lipgloss.Color("39")  // Blue
	ColorSecondary = lipgloss.Color("245") // Gray
	ColorSuccess   = lipgloss.Color("34")  // Green
	ColorWarning   = lipgloss.Color("214") // Orange
	ColorError     = lipgloss.Color("196") // Red
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary).
			Padding(0, 1)

	CellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	SuccessStyle = CellStyle.Foreground(ColorSuccess)
	WarningStyle = CellStyle.Foreground(ColorWarning)
	ErrorStyle   = CellStyle.Foreground(ColorError)
)

// StatusStyle picks a cell style for a status word.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "ok", "committed", "resumed":
		return SuccessStyle
	case "partial", "warning", "extra":
		return WarningStyle
	case "failed", "missing", "error", "loading":
		return ErrorStyle
	default:
		return CellStyle
	}
}

// Table renders rows under headers. The column at statusCol (or none when
// negative) is colored by StatusStyle.
func Table(headers []string, rows [][]string, statusCol int) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorSecondary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				return StatusStyle(rows[row][col])
			}
			return CellStyle
		})
	return t.String()
}
