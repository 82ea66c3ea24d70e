package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

// ExportXLSX writes the journal to an Excel workbook: a Summary sheet with
// realized statistics and a Trades sheet with every row.
func (j *Journal) ExportXLSX(ctx context.Context, path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create export directory %s: %w", dir, err)
		}
	}

	entries, err := j.Trades(ctx, 0)
	if err != nil {
		return err
	}
	summary, err := j.Summarize(ctx)
	if err != nil {
		return err
	}

	fx := excelize.NewFile()
	defer fx.Close()

	const summarySheet = "Summary"
	const tradesSheet = "Trades"
	fx.SetSheetName(fx.GetSheetName(0), summarySheet)
	if _, err := fx.NewSheet(tradesSheet); err != nil {
		return err
	}

	headerStyle, err := fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return err
	}

	if err := writeSummarySheet(fx, summarySheet, summary, headerStyle); err != nil {
		return err
	}
	if err := writeTradesSheet(fx, tradesSheet, entries, headerStyle); err != nil {
		return err
	}

	return fx.SaveAs(path)
}

func writeSummarySheet(fx *excelize.File, sheet string, s Summary, headerStyle int) error {
	rows := [][]any{
		{"Metric", "Value"},
		{"Closed trades", s.Trades},
		{"Wins", s.Wins},
		{"Losses", s.Losses},
		{"Win rate", fmt.Sprintf("%.1f%%", s.WinRate()*100)},
		{"Gross profit", s.GrossProfit},
		{"Gross loss", s.GrossLoss},
		{"Net profit", s.NetProfit},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := fx.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return fx.SetCellStyle(sheet, "A1", "B1", headerStyle)
}

func writeTradesSheet(fx *excelize.File, sheet string, entries []Entry, headerStyle int) error {
	header := []any{"ID", "Ticket", "Symbol", "Direction", "Volume", "Entry", "Stop Loss",
		"Take Profit", "Score", "Opened At", "Exit Price", "Profit", "Closed At"}
	if err := fx.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	if err := fx.SetCellStyle(sheet, "A1", "M1", headerStyle); err != nil {
		return err
	}

	const timeLayout = "2006-01-02 15:04:05"
	for i, e := range entries {
		closedAt := ""
		if e.Closed() {
			closedAt = e.ClosedAt.UTC().Format(timeLayout)
		}
		row := []any{
			e.ID, e.Ticket, e.Symbol, string(e.Direction), e.Volume, e.Entry, e.StopLoss,
			e.TakeProfit, e.Score, e.OpenedAt.UTC().Format(timeLayout), e.ExitPrice, e.Profit, closedAt,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := fx.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}
