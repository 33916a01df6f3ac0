package display

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle defines table border characters
type BorderStyle struct {
	TopLeft     string
	TopRight    string
	BottomLeft  string
	BottomRight string
	Horizontal  string
	Vertical    string
	Cross       string
	TopTee      string
	BottomTee   string
	LeftTee     string
	RightTee    string
}

// TableStyle defines the visual style of a table
type TableStyle struct {
	Name           string
	Border         BorderStyle
	Headers        bool
	Padding        int
	MaxColumnWidth int
}

var (
	ASCIIBorderStyle = BorderStyle{
		TopLeft: "+", TopRight: "+", BottomLeft: "+", BottomRight: "+",
		Horizontal: "-", Vertical: "|", Cross: "+",
		TopTee: "+", BottomTee: "+", LeftTee: "+", RightTee: "+",
	}

	RoundedBorderStyle = BorderStyle{
		TopLeft: "╭", TopRight: "╮", BottomLeft: "╰", BottomRight: "╯",
		Horizontal: "─", Vertical: "│", Cross: "┼",
		TopTee: "┬", BottomTee: "┴", LeftTee: "├", RightTee: "┤",
	}

	// DefaultTableStyle is a simple ASCII table style
	DefaultTableStyle = TableStyle{Name: "default", Border: ASCIIBorderStyle, Headers: true, Padding: 1, MaxColumnWidth: 48}

	// RoundedTableStyle uses Unicode box drawing characters
	RoundedTableStyle = TableStyle{Name: "rounded", Border: RoundedBorderStyle, Headers: true, Padding: 1, MaxColumnWidth: 48}

	// CompactTableStyle has no borders and no header row, one record per
	// line, for scripts
	CompactTableStyle = TableStyle{Name: "compact", Headers: false, Padding: 0}
)

// GetTableStyle returns a table style by name
func GetTableStyle(name string) TableStyle {
	switch name {
	case "rounded":
		return RoundedTableStyle
	case "compact":
		return CompactTableStyle
	default:
		return DefaultTableStyle
	}
}

// Table renders rows as a bordered text table
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	colorizers map[int]func(string) string
	style      TableStyle
	colors     *ColorSystem
}

// NewTable creates a table. colors may be nil.
func NewTable(colors *ColorSystem) *Table {
	return &Table{
		alignments: make(map[int]Alignment),
		colorizers: make(map[int]func(string) string),
		style:      DefaultTableStyle,
		colors:     colors,
	}
}

// SetHeaders sets the table headers
func (t *Table) SetHeaders(headers ...string) {
	t.headers = headers
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// SetColumnAlignment sets the alignment for a column
func (t *Table) SetColumnAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// SetColumnColorizer colors a column's cells after padding, so escape
// codes do not disturb the layout
func (t *Table) SetColumnColorizer(column int, fn func(string) string) {
	t.colorizers[column] = fn
}

// SetStyle sets the table style
func (t *Table) SetStyle(style TableStyle) {
	t.style = style
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}

	widths := t.columnWidths()
	bordered := t.style.Border.Horizontal != ""

	var b strings.Builder
	if bordered {
		b.WriteString(t.rule(widths, t.style.Border.TopLeft, t.style.Border.TopTee, t.style.Border.TopRight))
	}
	if t.style.Headers && len(t.headers) > 0 {
		b.WriteString(t.renderRow(t.headers, widths, true))
		if bordered {
			b.WriteString(t.rule(widths, t.style.Border.LeftTee, t.style.Border.Cross, t.style.Border.RightTee))
		}
	}
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false))
	}
	if bordered {
		b.WriteString(t.rule(widths, t.style.Border.BottomLeft, t.style.Border.BottomTee, t.style.Border.BottomRight))
	}
	return b.String()
}

// RenderTo renders the table to w
func (t *Table) RenderTo(w io.Writer) {
	fmt.Fprint(w, t.Render())
}

func (t *Table) columnCount() int {
	n := len(t.headers)
	for _, row := range t.rows {
		if len(row) > n {
			n = len(row)
		}
	}
	return n
}

func (t *Table) columnWidths() []int {
	widths := make([]int, t.columnCount())
	if t.style.Headers {
		for i, header := range t.headers {
			widths[i] = utf8.RuneCountInString(header)
		}
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if w := utf8.RuneCountInString(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	if limit := t.style.MaxColumnWidth; limit > 0 {
		for i := range widths {
			if widths[i] > limit {
				widths[i] = limit
			}
		}
	}
	return widths
}

func (t *Table) rule(widths []int, left, middle, right string) string {
	var b strings.Builder
	b.WriteString(left)
	for i, width := range widths {
		b.WriteString(strings.Repeat(t.style.Border.Horizontal, width+2*t.style.Padding))
		if i < len(widths)-1 {
			b.WriteString(middle)
		}
	}
	b.WriteString(right)
	b.WriteString("\n")
	return b.String()
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	var b strings.Builder
	vertical := t.style.Border.Vertical
	pad := strings.Repeat(" ", t.style.Padding)

	b.WriteString(vertical)
	for i, width := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		cell = t.formatCell(cell, width, t.alignments[i])

		switch {
		case header && t.colors != nil:
			cell = t.colors.Colorize(cell, t.colors.Theme().Primary)
		case !header && t.colorizers[i] != nil:
			cell = t.colorizers[i](cell)
		}

		b.WriteString(pad)
		b.WriteString(cell)
		b.WriteString(pad)
		switch {
		case vertical != "":
			b.WriteString(vertical)
		case i < len(widths)-1:
			b.WriteString("\t")
		}
	}
	if vertical == "" {
		return strings.TrimRight(b.String(), " ") + "\n"
	}
	b.WriteString("\n")
	return b.String()
}

// formatCell truncates content to width and pads it per alignment.
// Borderless tables are tab separated and never padded.
func (t *Table) formatCell(content string, width int, alignment Alignment) string {
	if t.style.Border.Vertical == "" {
		return content
	}

	if utf8.RuneCountInString(content) > width {
		runes := []rune(content)
		if width > 3 {
			content = string(runes[:width-3]) + "..."
		} else {
			content = string(runes[:width])
		}
	}

	fill := strings.Repeat(" ", width-utf8.RuneCountInString(content))
	if alignment == AlignRight {
		return fill + content
	}
	return content + fill
}
