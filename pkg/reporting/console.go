// Package reporting renders cycle outcomes for a human at a terminal.
package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/events"
)

// Console prints a per-cycle status table and the open-position book.
type Console struct {
	out io.Writer
}

// NewConsole builds a reporter writing to stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// SetOutput redirects rendering, used by tests.
func (c *Console) SetOutput(w io.Writer) { c.out = w }

// ReportCycle renders one finished cycle.
func (c *Console) ReportCycle(summary events.CycleSummary, positions []broker.Position, account *broker.AccountInfo) {
	title := fmt.Sprintf("CYCLE %d  (%s)", summary.Count, summary.Duration)
	if account != nil {
		title += fmt.Sprintf("  balance %.2f / equity %.2f", account.Balance, account.Equity)
	}

	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Symbol", "Status", "Score"})

	for _, st := range summary.Symbols {
		score := "-"
		if st.Score > 0 {
			score = fmt.Sprintf("%.1f", st.Score)
		}
		t.AppendRow(table.Row{st.Symbol, statusGlyph(st.Status) + " " + st.Status, score})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 10, Align: text.AlignLeft},
		{Number: 2, WidthMin: 22, Align: text.AlignLeft},
		{Number: 3, WidthMin: 6, Align: text.AlignRight},
	})
	t.Render()

	if len(positions) > 0 {
		c.renderPositions(positions)
	}
	fmt.Fprintln(c.out)
}

func (c *Console) renderPositions(positions []broker.Position) {
	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	t.SetTitle("OPEN POSITIONS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Symbol", "Dir", "Volume", "Entry", "SL", "TP", "PnL"})

	for _, p := range positions {
		t.AppendRow(table.Row{
			p.Symbol,
			string(p.Direction),
			fmt.Sprintf("%.4f", p.Volume),
			fmt.Sprintf("%.5f", p.EntryPrice),
			fmt.Sprintf("%.5f", p.StopLoss),
			fmt.Sprintf("%.5f", p.TakeProfit),
			fmt.Sprintf("%+.2f", p.UnrealizedPnL),
		})
	}
	t.Render()
}

func statusGlyph(status string) string {
	switch status {
	case "executed":
		return "✅"
	case "candidate", "rejected", "held":
		return "🎯"
	case "error":
		return "💥"
	default:
		return "⛔"
	}
}
