package reconcile

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet   = "Summary"
	breakdownSheet = "Breakdown"
)

// WriteXLSX renders r as a workbook with a summary and a per-product sheet.
func WriteXLSX(w io.Writer, r Report) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(breakdownSheet); err != nil {
		return err
	}

	summary := [][2]any{
		{"Inventory Reconciliation", nil},
		{"As of", r.AsOf.Format("2006-01-02")},
		{"Inventory total", r.InventoryTotal.InexactFloat64()},
		{"Ledger total", r.LedgerTotal.InexactFloat64()},
		{"Unassigned ledger balance", r.Unassigned.InexactFloat64()},
		{"Difference", r.Difference.InexactFloat64()},
		{"Materiality threshold", r.Threshold.InexactFloat64()},
		{"Balanced", r.Balanced},
		{"Material", r.Material},
		{"Generated at", r.GeneratedAt.Format("2006-01-02 15:04:05")},
	}
	for i, row := range summary {
		if err := f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), row[0]); err != nil {
			return err
		}
		if row[1] == nil {
			continue
		}
		if err := f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), row[1]); err != nil {
			return err
		}
	}

	headers := []string{"Product", "Inventory", "Ledger", "Difference"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(breakdownSheet, cell, h); err != nil {
			return err
		}
	}
	for i, v := range r.Breakdown {
		row := i + 2
		values := []any{v.ProductCode, v.Inventory.InexactFloat64(), v.Ledger.InexactFloat64(), v.Difference.InexactFloat64()}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(breakdownSheet, cell, value); err != nil {
				return err
			}
		}
	}
	return f.Write(w)
}
