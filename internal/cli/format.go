package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/overlay"
)

// fatih/color disables these automatically when stdout is not a TTY.
var (
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
	labelColor   = color.New(color.FgWhite, color.Bold)
	valueColor   = color.New(color.FgHiBlack)
	dimColor     = color.New(color.FgHiBlack)
)

// sourceColors colors provenance in tree output.
var sourceColors = map[overlay.Source]*color.Color{
	overlay.SourceBase:              dimColor,
	overlay.SourceWorkspace:         successColor,
	overlay.SourceWorkspaceOverride: warningColor,
	overlay.SourceTombstone:         errorColor,
}

// errorHints suggest a next step for each error kind.
var errorHints = []struct {
	kind error
	hint string
}{
	{apperr.ErrConflict, "wait for the running build to finish, or cancel it"},
	{apperr.ErrIntegrity, "run 'deltaruntime check' to list damaged blobs"},
	{apperr.ErrNotFound, "run 'deltaruntime profile ls' or 'deltaruntime tree <profile>' to see what exists"},
}

// PrintSection prints a section header
func PrintSection(title string) {
	fmt.Println()
	_, _ = headerColor.Printf("▸ %s\n", title)
	fmt.Println()
}

// PrintSubsection prints a subsection header
func PrintSubsection(title string) {
	_, _ = infoColor.Printf("  %s\n", title)
}

// PrintSuccess prints a success message with a checkmark
func PrintSuccess(msg string) {
	_, _ = successColor.Printf("✓ %s\n", msg)
}

// PrintWarning prints a warning message with a warning symbol
func PrintWarning(msg string) {
	_, _ = warningColor.Printf("⚠ %s\n", msg)
}

// PrintInfo prints an informational message
func PrintInfo(msg string) {
	fmt.Println(msg)
}

// PrintLabelValue prints a label-value pair
func PrintLabelValue(label, value string) {
	PrintLabelValueWithColor(label, value, valueColor)
}

// PrintLabelValueWithColor prints a label-value pair with a custom value color
func PrintLabelValueWithColor(label, value string, valueClr *color.Color) {
	_, _ = labelColor.Printf("  %s: ", label)
	_, _ = valueClr.Println(value)
}

// PrintList prints a list of items with bullet points
func PrintList(items []string, indent int) {
	indentStr := strings.Repeat("  ", indent)
	for _, item := range items {
		_, _ = infoColor.Printf("%s• %s\n", indentStr, item)
	}
}

// PrintTable prints rows under headers with padded columns.
// Column widths count runes so paths with non-ASCII names stay aligned.
func PrintTable(headers []string, rows [][]string) {
	if len(headers) == 0 || len(rows) == 0 {
		return
	}

	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = len([]rune(header))
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len([]rune(cell)) > widths[i] {
				widths[i] = len([]rune(cell))
			}
		}
	}

	printRow := func(cells []string, clr *color.Color) {
		fmt.Print("  ")
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if i > 0 {
				fmt.Print("  ")
			}
			pad := widths[i] - len([]rune(cell))
			if i == len(cells)-1 || i == len(widths)-1 {
				pad = 0
			}
			_, _ = clr.Print(cell + strings.Repeat(" ", pad))
		}
		fmt.Println()
	}

	printRow(headers, headerColor)
	sep := make([]string, len(widths))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}
	printRow(sep, dimColor)
	for _, row := range rows {
		printRow(row, valueColor)
	}
}

// PrintEmptyState prints a message when there's no data to show
func PrintEmptyState(msg string) {
	_, _ = dimColor.Printf("  %s\n", msg)
}

// PrintCount formats a count with the singular or plural noun.
func PrintCount(count int, singular, plural string) string {
	if count == 1 {
		return fmt.Sprintf("%d %s", count, singular)
	}
	return fmt.Sprintf("%d %s", count, plural)
}

func formatBytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func nodeSize(n *overlay.Node) string {
	if n.Size == nil {
		return "-"
	}
	return formatBytes(*n.Size)
}

func sourceColor(s overlay.Source) *color.Color {
	if c, ok := sourceColors[s]; ok {
		return c
	}
	return valueColor
}

// errorHint returns a suggested next step for err, or "".
func errorHint(err error) string {
	for _, h := range errorHints {
		if errors.Is(err, h.kind) {
			return h.hint
		}
	}
	return ""
}

// formatError formats an error for display, with a hint line when one
// applies.
func formatError(err error) string {
	msg := errorColor.Sprintf("Error: %v", err)
	if hint := errorHint(err); hint != "" {
		msg += "\n" + dimColor.Sprintf("Hint: %s", hint)
	}
	return msg
}
