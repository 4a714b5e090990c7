package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// outputJSON controls whether commands should output JSON instead of styled text
var outputJSON bool

// stdout is swapped out by tests.
var stdout io.Writer = os.Stdout

// SetJSONOutput sets the JSON output mode
func SetJSONOutput(enabled bool) {
	outputJSON = enabled
}

// IsJSONOutput returns true if JSON output mode is enabled
func IsJSONOutput() bool {
	return outputJSON
}

// PrintJSON outputs data as JSON if JSON mode is enabled, returns true if it did
func PrintJSON(data interface{}) bool {
	if !outputJSON {
		return false
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
	return true
}

// PrintSuccess prints a success message with a check mark
func PrintSuccess(msg string) {
	fmt.Fprintf(stdout, "  %s %s\n", successStyle.Render(symbolOK), msg)
}

// PrintErrorMsg prints a simple error message string
func PrintErrorMsg(msg string) {
	fmt.Fprintf(stdout, "  %s %s\n", errorStyle.Render(symbolFail), errorStyle.Render(msg))
}

// PrintWarning prints a warning message with a warning mark
func PrintWarning(msg string) {
	fmt.Fprintf(stdout, "  %s %s\n", warningStyle.Render(symbolWarn), warningStyle.Render(msg))
}

// PrintInfo prints an info message as a step
func PrintInfo(msg string) {
	fmt.Fprintf(stdout, "  %s %s\n", stepStyle.Render(symbolStep), msg)
}

// PrintInfof prints a formatted info message
func PrintInfof(format string, args ...interface{}) {
	PrintInfo(fmt.Sprintf(format, args...))
}

// PrintHint prints a subtle hint/suggestion
func PrintHint(msg string) {
	fmt.Fprintf(stdout, "\n  %s\n", hintStyle.Render(msg))
}

// PrintSuggestions prints a list of suggestions
func PrintSuggestions(title string, suggestions []string) {
	fmt.Fprintf(stdout, "  %s\n", dimStyle.Render(title))
	for _, s := range suggestions {
		fmt.Fprintf(stdout, "    %s %s\n", dimStyle.Render(symbolEntry), s)
	}
}

// PrintKeyValue prints a key-value pair with consistent alignment
func PrintKeyValue(key, value string) {
	fmt.Fprintf(stdout, "  %s %s\n", keyStyle.Render(key), value)
}

// PrintKeyValueStyled prints a key-value pair with a custom value style
func PrintKeyValueStyled(key, value string, valueStyle lipgloss.Style) {
	fmt.Fprintf(stdout, "  %s %s\n", keyStyle.Render(key), valueStyle.Render(value))
}

// Table represents a styled table
type Table struct {
	Headers []string
	Rows    [][]string
	Widths  []int
}

// NewTable creates a new table with the given headers
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &Table{
		Headers: headers,
		Widths:  widths,
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	// Pad or truncate to match header count
	row := make([]string, len(t.Headers))
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
			if w := lipgloss.Width(cells[i]); w > t.Widths[i] {
				t.Widths[i] = w
			}
		}
	}
	t.Rows = append(t.Rows, row)
}

// Print renders the table to stdout
func (t *Table) Print() {
	if len(t.Rows) == 0 {
		return
	}

	fmt.Fprint(stdout, "  ")
	for i, h := range t.Headers {
		fmt.Fprint(stdout, tableHeaderStyle.Width(t.Widths[i]+2).Render(h))
	}
	fmt.Fprintln(stdout)

	fmt.Fprint(stdout, "  ")
	for i := range t.Headers {
		fmt.Fprint(stdout, dimStyle.Render(strings.Repeat("─", t.Widths[i])), "  ")
	}
	fmt.Fprintln(stdout)

	for _, row := range t.Rows {
		fmt.Fprint(stdout, "  ")
		for i, cell := range row {
			fmt.Fprint(stdout, tableCellStyle.Width(t.Widths[i]+2).Render(cell))
		}
		fmt.Fprintln(stdout)
	}
}
