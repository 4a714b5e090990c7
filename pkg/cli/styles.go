package cli

import (
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/charmbracelet/lipgloss"
)

// ANSI colors follow the terminal theme; only the brand color is fixed.
var (
	colorBrand = lipgloss.AdaptiveColor{Light: "#C2410C", Dark: "#F97316"}
	colorGood  = lipgloss.Color("2")
	colorBusy  = lipgloss.Color("3")
	colorBad   = lipgloss.Color("1")
	colorFaint = lipgloss.Color("8")
)

const (
	symbolOK    = "✓"
	symbolFail  = "✗"
	symbolWarn  = "!"
	symbolStep  = "›"
	symbolEntry = "-"
)

var (
	brandStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorBrand)
	successStyle = lipgloss.NewStyle().Foreground(colorGood)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorBad)
	warningStyle = lipgloss.NewStyle().Foreground(colorBusy)
	stepStyle    = lipgloss.NewStyle().Foreground(colorBrand)
	dimStyle     = lipgloss.NewStyle().Foreground(colorFaint)
	hintStyle    = lipgloss.NewStyle().Foreground(colorFaint).Italic(true)

	// commands, paths and object ids
	codeStyle = lipgloss.NewStyle().Foreground(colorBrand)

	keyStyle         = lipgloss.NewStyle().Foreground(colorFaint).Width(16)
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(colorFaint)
	tableCellStyle   = lipgloss.NewStyle().PaddingRight(2)
)

var mountStatusStyles = map[string]lipgloss.Style{
	types.MountStatusReady:       successStyle,
	types.MountStatusMounting:    warningStyle,
	types.MountStatusUnmounting:  warningStyle,
	types.MountStatusMountFailed: errorStyle,
}

// mountStatusStyle colors a mount status string.
func mountStatusStyle(status string) lipgloss.Style {
	if s, ok := mountStatusStyles[status]; ok {
		return s
	}
	return dimStyle
}
