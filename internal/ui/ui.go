// Package ui provides terminal styling helpers for CLI output.
//
// Styling is applied only when stdout is a terminal; piped output stays
// plain so it composes with grep and friends.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// render applies a style only for terminal output.
func render(style lipgloss.Style, s string) string {
	if !IsTerminal() {
		return s
	}
	return style.Render(s)
}

// RenderAccent styles informational highlights.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass styles success markers.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn styles warning markers.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail styles failure markers.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderDim styles secondary detail.
func RenderDim(s string) string { return render(dimStyle, s) }

// RenderHeader styles table and section headers.
func RenderHeader(s string) string { return render(headerStyle, s) }
