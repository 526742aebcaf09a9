package style

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Bold, Dim, Warn and Err are the shared styles table.go and the team
// status command render with. When stdout isn't a terminal every style
// degrades to plain text so piped output (logs, CI, another tool parsing
// `omx team status`) never carries escape codes.
var (
	Bold lipgloss.Style
	Dim  lipgloss.Style
	Warn lipgloss.Style
	Err  lipgloss.Style
)

func init() {
	Bold = lipgloss.NewStyle().Bold(true)
	Dim = lipgloss.NewStyle().Faint(true)
	Warn = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	Err = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)

	if !IsTerminal() {
		Bold = lipgloss.NewStyle()
		Dim = lipgloss.NewStyle()
		Warn = lipgloss.NewStyle()
		Err = lipgloss.NewStyle()
	}
}

// IsTerminal reports whether stdout is attached to a terminal. omx team
// status and other styled output use this to decide whether lipgloss
// rendering is worth the escape codes at all.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
