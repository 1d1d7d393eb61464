/*
Package sheet reads and writes budget item spreadsheets.

PURPOSE:
  Parser implements budget.RowParser for .xlsx workbooks (first sheet) and
  CSV files. WriteItems produces the legacy-schema workbook that Parser and
  the importer read back.

FORMAT DETECTION:
  Content starting with the zip signature "PK\x03\x04" is read as xlsx;
  anything else as CSV with an optional UTF-8 byte order mark.

SEE ALSO:
  - budget/importer.go: header detection and reconciliation
*/
package sheet

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/drug-budget/budget"
)

// ItemsSheet is the worksheet name used by WriteItems.
const ItemsSheet = "Items"

var (
	zipMagic = []byte("PK\x03\x04")
	utf8BOM  = []byte("\xef\xbb\xbf")
)

// ErrEmptyFile is returned for zero-length uploads.
var ErrEmptyFile = errors.New("empty file")

// Parser implements budget.RowParser.
type Parser struct{}

// Rows returns the cells of the first sheet, header row first.
func (Parser) Rows(data []byte) ([][]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}
	if bytes.HasPrefix(data, zipMagic) {
		return xlsxRows(data)
	}
	return csvRows(data)
}

func xlsxRows(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func csvRows(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rows, nil
}

// WriteItems writes the request's items as an xlsx workbook using
// budget.LegacyHeaders, so the file can be edited and re-imported.
func WriteItems(w io.Writer, r *budget.BudgetRequest, items []budget.BudgetRequestItem) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ItemsSheet); err != nil {
		return err
	}

	headers := budget.LegacyHeaders(r.FiscalYear)
	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(ItemsSheet, "A1", &header); err != nil {
		return err
	}

	for i, it := range items {
		row := []any{
			it.GenericCode,
			it.GenericName,
			number(it.HistoricalUsage[0].Quantity),
			number(it.HistoricalUsage[1].Quantity),
			number(it.HistoricalUsage[2].Quantity),
			number(it.EstimatedUsage),
			number(it.CurrentStock),
			number(it.UnitPrice),
			number(it.RequestedQty),
			number(it.Q1Qty),
			number(it.Q2Qty),
			number(it.Q3Qty),
			number(it.Q4Qty),
			number(it.RequestedAmount),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(ItemsSheet, cell, &row); err != nil {
			return err
		}
	}

	if err := f.SetColWidth(ItemsSheet, "B", "B", 36); err != nil {
		return err
	}
	return f.Write(w)
}

// number renders a decimal as a float cell; exact values stay in the store.
func number(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

// Export loads a request and its items through the engine and writes them
// with WriteItems.
func Export(ctx context.Context, e *budget.Engine, requestID int64, w io.Writer) error {
	r, err := e.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	items, err := e.Items(ctx, requestID)
	if err != nil {
		return err
	}
	return WriteItems(w, r, items)
}

// FileName is the suggested download name for an exported request.
func FileName(r *budget.BudgetRequest) string {
	return r.RequestNumber + "-items.xlsx"
}
