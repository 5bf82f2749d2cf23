package reporter

import (
	"fmt"
	"os"
	"path/filepath"

	"strategy-bot-go/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	executionsSheet = "Executions"
	ordersSheet     = "Orders"
	tradesSheet     = "Round Trips"
)

// ExportExcel writes the executions, their orders and any replay round trips to an xlsx workbook.
// trades may be empty; the sheet is then omitted.
func ExportExcel(path string, executions []*models.Execution, trades []models.CompletedTrade) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	if err := fx.SetSheetName(fx.GetSheetName(0), executionsSheet); err != nil {
		return err
	}
	if _, err := fx.NewSheet(ordersSheet); err != nil {
		return err
	}
	header, err := fx.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return err
	}

	if err := writeExecutionsSheet(fx, executions, header); err != nil {
		return err
	}
	if err := writeOrdersSheet(fx, executions, header); err != nil {
		return err
	}
	if len(trades) > 0 {
		if _, err := fx.NewSheet(tradesSheet); err != nil {
			return err
		}
		if err := writeTradesSheet(fx, trades, header); err != nil {
			return err
		}
	}
	return fx.SaveAs(path)
}

func writeRow(fx *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return fx.SetSheetRow(sheet, cell, &values)
}

func writeHeader(fx *excelize.File, sheet string, columns []any, style int) error {
	if err := writeRow(fx, sheet, 1, columns); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(columns), 1)
	if err != nil {
		return err
	}
	if err := fx.SetCellStyle(sheet, "A1", last, style); err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(columns))
	return fx.SetColWidth(sheet, "A", lastCol, 16)
}

func writeExecutionsSheet(fx *excelize.File, executions []*models.Execution, style int) error {
	columns := []any{"Execution", "Bot", "Trigger", "Status", "Started", "Finished", "Orders", "Filled", "Realized PnL", "Message"}
	if err := writeHeader(fx, executionsSheet, columns, style); err != nil {
		return err
	}
	for i, e := range executions {
		row := []any{
			e.ID, e.BotID, string(e.TriggerReason), string(e.Status),
			e.StartedAt.UTC().Format("2006-01-02 15:04:05"), e.FinishedAt.UTC().Format("2006-01-02 15:04:05"),
			len(e.Orders), len(e.FilledOrders()), e.RealizedPnL, e.ErrorMessage,
		}
		if err := writeRow(fx, executionsSheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func writeOrdersSheet(fx *excelize.File, executions []*models.Execution, style int) error {
	columns := []any{"Execution", "Order", "Symbol", "Side", "Type", "Quantity", "Reference", "Filled Qty", "Fill Price", "Status", "Reason", "Error"}
	if err := writeHeader(fx, ordersSheet, columns, style); err != nil {
		return err
	}
	row := 2
	for _, e := range executions {
		for _, o := range e.Orders {
			values := []any{
				e.ID, o.ID, o.Symbol, string(o.Side), string(o.OrderType),
				o.Quantity, o.LimitPrice, o.FilledQuantity, o.FilledPrice,
				string(o.Status), o.Reason, o.ErrorMessage,
			}
			if err := writeRow(fx, ordersSheet, row, values); err != nil {
				return err
			}
			row++
		}
	}
	return nil
}

func writeTradesSheet(fx *excelize.File, trades []models.CompletedTrade, style int) error {
	columns := []any{"Symbol", "Quantity", "Entry", "Exit", "Hold (h)", "Entry Price", "Exit Price", "Profit", "Fee", "Slippage"}
	if err := writeHeader(fx, tradesSheet, columns, style); err != nil {
		return err
	}
	for i, t := range trades {
		row := []any{
			t.Symbol, t.Quantity,
			t.EntryTime.UTC().Format("2006-01-02 15:04"), t.ExitTime.UTC().Format("2006-01-02 15:04"),
			t.HoldDuration.Hours(), t.EntryPrice, t.ExitPrice, t.Profit, t.Fee, t.Slippage,
		}
		if err := writeRow(fx, tradesSheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}
