package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"mt5-trader/internal/models"
	"mt5-trader/pkg/utils"
)

// Terminal styles. Color is forced on here; Output decides per writer
// whether to apply them.
var (
	styleGreen  = style(color.FgGreen)
	styleRed    = style(color.FgRed)
	styleYellow = style(color.FgYellow)
	styleCyan   = style(color.FgCyan)
	styleBold   = style(color.Bold)
	styleDim    = style(color.Faint)
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func style(attr color.Attribute) *color.Color {
	c := color.New(attr)
	c.EnableColor()
	return c
}

// Output writes command results either as text or, with --json, as JSON.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates an Output for cmd.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		writer:       cmd.OutOrStdout(),
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && isTerminal(cmd.OutOrStdout()),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON writes data as indented JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

func (o *Output) Success(format string, args ...interface{}) {
	o.colored(styleGreen, format, args...)
}

func (o *Output) Error(format string, args ...interface{}) {
	o.colored(styleRed, format, args...)
}

func (o *Output) Warning(format string, args ...interface{}) {
	o.colored(styleYellow, format, args...)
}

func (o *Output) Info(format string, args ...interface{}) {
	o.colored(styleCyan, format, args...)
}

func (o *Output) Bold(format string, args ...interface{}) {
	o.colored(styleBold, format, args...)
}

func (o *Output) Dim(format string, args ...interface{}) {
	o.colored(styleDim, format, args...)
}

func (o *Output) colored(c *color.Color, format string, args ...interface{}) {
	fmt.Fprintln(o.writer, o.ColoredString(c, fmt.Sprintf(format, args...)))
}

// ColoredString wraps text in color when the writer is a terminal.
func (o *Output) ColoredString(c *color.Color, text string) string {
	if o.colorEnabled && c != nil {
		return c.Sprint(text)
	}
	return text
}

// FormatPnL formats a profit or loss, green when positive and red when
// negative.
func (o *Output) FormatPnL(pnl float64) string {
	var c *color.Color
	switch {
	case pnl > 0:
		c = styleGreen
	case pnl < 0:
		c = styleRed
	}
	return o.ColoredString(c, utils.FormatPnL(pnl))
}

// Result prints a single trade result.
func (o *Output) Result(res models.TradeResult) {
	if res.OK() {
		line := fmt.Sprintf("✓ %s", res.Message)
		if res.Profit != nil {
			line += "  " + o.FormatPnL(*res.Profit)
		}
		o.Printf("%s\n", o.ColoredString(styleGreen, line))
		return
	}
	line := fmt.Sprintf("✗ %s", res.Message)
	if res.Code != "" {
		line += fmt.Sprintf(" [%s]", res.Code)
	}
	o.Error("%s", line)
}

// Table is a plain column-aligned table.
type Table struct {
	headers []string
	rows    [][]string
	output  *Output
}

// NewTable creates a table with the given headers.
func NewTable(output *Output, headers ...string) *Table {
	return &Table{headers: headers, output: output}
}

// AddRow appends a row.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render writes the header, a separator and every row.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && visibleLen(cell) > widths[i] {
				widths[i] = visibleLen(cell)
			}
		}
	}

	t.printRow(t.headers, widths, true)
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("-", w)
	}
	t.output.Println(t.output.ColoredString(styleDim, strings.Join(parts, "  ")))
	for _, row := range t.rows {
		t.printRow(row, widths, false)
	}
}

func (t *Table) printRow(cells []string, widths []int, isHeader bool) {
	parts := make([]string, 0, len(widths))
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		padding := widths[i] - visibleLen(cell)
		if padding < 0 {
			padding = 0
		}
		padded := cell + strings.Repeat(" ", padding)
		if isHeader {
			padded = t.output.ColoredString(styleBold, padded)
		}
		parts = append(parts, padded)
	}
	t.output.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
}

// visibleLen is the rune count of s without ANSI color codes.
func visibleLen(s string) int {
	return len([]rune(ansiPattern.ReplaceAllString(s, "")))
}
