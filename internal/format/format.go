package format

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Mode controls the output format.
type Mode int

const (
	ASCII Mode = iota
	Markdown
)

// ParseMode maps a --format flag value to a Mode.
func ParseMode(name string) (Mode, bool) {
	switch name {
	case "", "table", "ascii":
		return ASCII, true
	case "markdown", "md":
		return Markdown, true
	default:
		return ASCII, false
	}
}

type ColumnAlign int

const (
	AlignDefault ColumnAlign = iota
	AlignLeft
	AlignCenter
	AlignRight
)

// ColumnConfig controls one column. Number is 1-based.
type ColumnConfig struct {
	Number   int
	Align    ColumnAlign
	MaxWidth int
}

// TableBuilder collects rows and renders them in the Mode it was
// created with.
type TableBuilder interface {
	Header(cols ...string)
	Row(vals ...any)
	Footer(vals ...any)
	Columns(cfgs ...ColumnConfig)
	String() string
}

func NewTable(m Mode) TableBuilder {
	w := table.NewWriter()
	if m == ASCII {
		w.SetStyle(table.StyleLight)
	}
	return &prettyTable{writer: w, mode: m}
}

type prettyTable struct {
	writer table.Writer
	mode   Mode
}

func (p *prettyTable) Header(cols ...string) {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = c
	}
	p.writer.AppendHeader(row)
}

func (p *prettyTable) Row(vals ...any) {
	p.writer.AppendRow(append(table.Row(nil), vals...))
}

func (p *prettyTable) Footer(vals ...any) {
	p.writer.AppendFooter(append(table.Row(nil), vals...))
}

func (p *prettyTable) Columns(cfgs ...ColumnConfig) {
	out := make([]table.ColumnConfig, len(cfgs))
	for i, c := range cfgs {
		out[i] = table.ColumnConfig{Number: c.Number, Align: toTextAlign(c.Align), WidthMax: c.MaxWidth}
	}
	p.writer.SetColumnConfigs(out)
}

func (p *prettyTable) String() string {
	if p.mode == Markdown {
		return p.writer.RenderMarkdown()
	}
	return p.writer.Render()
}

func toTextAlign(a ColumnAlign) text.Align {
	switch a {
	case AlignLeft:
		return text.AlignLeft
	case AlignRight:
		return text.AlignRight
	case AlignCenter:
		return text.AlignCenter
	default:
		return text.AlignDefault
	}
}
